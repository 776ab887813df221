package ngram

import (
	"math"
	"sort"
)

const (
	probBits = 16
	boBits   = 16
)

// floatInf stands in for log-zero in quantizer bins.
var floatInf = float32(math.Inf(-1))

// bins is one 16-bit uniform quantizer table: bin i decodes to
// centers[i], encoding picks the nearest center.
type bins struct {
	centers []float32
}

// train fills the table with equal-count bin averages over the sorted
// weight population.
func (b *bins) train(values []float32) {
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	n := len(b.centers)
	start := 0
	for i := 0; i < n; i++ {
		finish := int(uint64(len(values)) * uint64(i+1) / uint64(n))
		if finish == start {
			if i == 0 {
				b.centers[i] = floatInf
			} else {
				b.centers[i] = b.centers[i-1]
			}
			continue
		}
		var sum float64
		for _, v := range values[start:finish] {
			sum += float64(v)
		}
		b.centers[i] = float32(sum / float64(finish-start))
		start = finish
	}
}

// encode returns the bin whose center is closest to value.
func (b *bins) encode(value float32) uint32 {
	above := sort.Search(len(b.centers), func(i int) bool {
		return b.centers[i] >= value
	})
	if above == 0 {
		return 0
	}
	if above == len(b.centers) {
		return uint32(len(b.centers) - 1)
	}
	if value-b.centers[above-1] < b.centers[above]-value {
		return uint32(above - 1)
	}
	return uint32(above)
}

func (b *bins) decode(idx uint32) float32 {
	return b.centers[idx]
}

// quantizer holds the per-order probability and backoff bins. Middle
// orders carry both tables; the longest order only a probability
// table.
type quantizer struct {
	order int
	// tables[k][0] is prob, tables[k][1] is backoff, for order k+2.
	tables [][2]bins
	// longest aliases tables[order-2][0].
}

func newQuantizer(order int) *quantizer {
	q := &quantizer{order: order, tables: make([][2]bins, order-1)}
	for i := 0; i < order-2; i++ {
		q.tables[i][0].centers = make([]float32, 1<<probBits)
		q.tables[i][1].centers = make([]float32, 1<<boBits)
	}
	q.tables[order-2][0].centers = make([]float32, 1<<probBits)
	return q
}

func (q *quantizer) longest() *bins { return &q.tables[q.order-2][0] }

// middleBits is the packed width of a middle-order weight pair.
func (q *quantizer) middleBits() uint8 { return probBits + boBits }

// longestBits is the packed width of a highest-order probability.
func (q *quantizer) longestBits() uint8 { return probBits }

// trainMiddle trains prob and backoff bins for an order from the raw
// n-gram population.
func (q *quantizer) trainMiddle(orderMinus2 int, grams []RawNgram) {
	probs := make([]float32, len(grams))
	bos := make([]float32, len(grams))
	for i := range grams {
		probs[i] = grams[i].Prob
		bos[i] = grams[i].Backoff
	}
	q.tables[orderMinus2][0].train(probs)
	q.tables[orderMinus2][1].train(bos)
}

// trainLongest trains the probability bins of the highest order.
func (q *quantizer) trainLongest(grams []RawNgram) {
	probs := make([]float32, len(grams))
	for i := range grams {
		probs[i] = grams[i].Prob
	}
	q.longest().train(probs)
}

// Packed layout of a middle entry after the word field:
// backoff bin, then prob bin, then the next-level child index.

func (q *quantizer) writeMiddle(arr bitArr, offset uint32, orderMinus2 int, prob, backoff float32) {
	packed := uint64(q.tables[orderMinus2][0].encode(prob))<<boBits |
		uint64(q.tables[orderMinus2][1].encode(backoff))
	arr.write57(offset, packed)
}

func (q *quantizer) writeLongest(arr bitArr, offset uint32, prob float32) {
	arr.write25(offset, q.longest().encode(prob))
}

func (q *quantizer) readMiddleProb(arr bitArr, offset uint32, orderMinus2 int) float32 {
	return q.tables[orderMinus2][0].decode(arr.read25(offset+boBits, 1<<probBits-1))
}

func (q *quantizer) readMiddleBackoff(arr bitArr, offset uint32, orderMinus2 int) float32 {
	return q.tables[orderMinus2][1].decode(arr.read25(offset, 1<<boBits-1))
}

func (q *quantizer) readLongestProb(arr bitArr, offset uint32) float32 {
	return q.longest().decode(arr.read25(offset, 1<<probBits-1))
}

// memSize is the on-disk byte size of all quantizer tables.
func (q *quantizer) memSize() int {
	return ((q.order-2)*(1<<probBits+1<<boBits) + 1<<probBits) * 4
}
