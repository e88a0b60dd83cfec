package queue

import (
	"container/heap"

	"carelink-sync/internal/models"
)

// entry 堆内条目
// seq 为进程内单调递增序号，保证相同优先级、相同入队时间下的稳定顺序
type entry struct {
	item *models.OfflineQueueItem
	seq  uint64
}

// priorityQueue 离线队列的排空顺序索引（二叉堆）
// 比较器契约：
//  1. 优先级序号升序（CRITICAL=0 最先）
//  2. 同优先级按入队时间升序（严格 FIFO）
//  3. 同优先级同时间按入堆序号升序（补偿堆本身的不稳定性）
type priorityQueue struct {
	entries []*entry
}

func (pq *priorityQueue) Len() int { return len(pq.entries) }

func (pq *priorityQueue) Less(i, j int) bool {
	a, b := pq.entries[i], pq.entries[j]

	rankA, rankB := a.item.Priority.Rank(), b.item.Priority.Rank()
	if rankA != rankB {
		return rankA < rankB
	}
	if !a.item.EnqueuedAt.Equal(b.item.EnqueuedAt) {
		return a.item.EnqueuedAt.Before(b.item.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (pq *priorityQueue) Swap(i, j int) {
	pq.entries[i], pq.entries[j] = pq.entries[j], pq.entries[i]
}

func (pq *priorityQueue) Push(x interface{}) {
	pq.entries = append(pq.entries, x.(*entry))
}

func (pq *priorityQueue) Pop() interface{} {
	old := pq.entries
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	pq.entries = old[:n-1]
	return e
}

// orderedIndex 封装堆操作，分配稳定序号
type orderedIndex struct {
	pq      priorityQueue
	nextSeq uint64
}

func newOrderedIndex() *orderedIndex {
	idx := &orderedIndex{}
	heap.Init(&idx.pq)
	return idx
}

// push 将队列项加入索引
func (idx *orderedIndex) push(item *models.OfflineQueueItem) {
	heap.Push(&idx.pq, &entry{item: item, seq: idx.nextSeq})
	idx.nextSeq++
}

// pop 弹出排空顺序中的下一项，空时返回 nil
func (idx *orderedIndex) pop() *models.OfflineQueueItem {
	if idx.pq.Len() == 0 {
		return nil
	}
	return heap.Pop(&idx.pq).(*entry).item
}

// len 索引内的条目数
func (idx *orderedIndex) len() int {
	return idx.pq.Len()
}
