//go:build dtlsgw_debug

package dtlsconn

// debugChecks нарушения инвариантов и обращения к закрытым соединениям паникуют
const debugChecks = true
