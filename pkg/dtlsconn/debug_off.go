//go:build !dtlsgw_debug

package dtlsconn

const debugChecks = false
