package relay

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
)

// ShardCount количество шардов таблицы потоков.
// КРИТИЧНО: должно быть степенью 2, индекс шарда берется маской.
const ShardCount = 32

type streamShard struct {
	streams map[StreamID]Stream
	mutex   sync.RWMutex
}

// Table thread-safe таблица потоков с шардированием.
//
// Реализует Directory: модули хранят идентификатор потока и находят
// сам поток через таблицу только в момент использования.
type Table struct {
	shards [ShardCount]*streamShard
}

// NewTable создает пустую таблицу потоков
func NewTable() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i] = &streamShard{
			streams: make(map[StreamID]Stream),
		}
	}
	return t
}

func (t *Table) getShard(id StreamID) *streamShard {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(id))
	hasher := fnv.New32a()
	hasher.Write(buf[:])
	return t.shards[hasher.Sum32()&(ShardCount-1)]
}

// Set регистрирует поток в таблице
func (t *Table) Set(strm Stream) {
	shard := t.getShard(strm.ID())
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	shard.streams[strm.ID()] = strm
}

// Lookup находит поток по идентификатору
func (t *Table) Lookup(id StreamID) (Stream, bool) {
	shard := t.getShard(id)
	shard.mutex.RLock()
	defer shard.mutex.RUnlock()

	strm, ok := shard.streams[id]
	return strm, ok
}

// Delete удаляет поток из таблицы
func (t *Table) Delete(id StreamID) bool {
	shard := t.getShard(id)
	shard.mutex.Lock()
	defer shard.mutex.Unlock()

	_, exists := shard.streams[id]
	if exists {
		delete(shard.streams, id)
	}
	return exists
}

// Count возвращает количество потоков во всех шардах
func (t *Table) Count() int {
	count := 0
	for i := range t.shards {
		t.shards[i].mutex.RLock()
		count += len(t.shards[i].streams)
		t.shards[i].mutex.RUnlock()
	}
	return count
}

// ForEach вызывает fn для каждого потока вне блокировок шардов
func (t *Table) ForEach(fn func(Stream)) {
	var all []Stream
	for i := range t.shards {
		t.shards[i].mutex.RLock()
		for _, strm := range t.shards[i].streams {
			all = append(all, strm)
		}
		t.shards[i].mutex.RUnlock()
	}

	for _, strm := range all {
		fn(strm)
	}
}
