package render

import (
	"cmp"
	"reflect"
	"slices"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
)

type item struct {
	data    RenderData
	key     uint32
	batchID uint32
	typ     reflect.Type
}

// Batch is a run of sorted render data sharing the same batch id and
// concrete type. It is a view into the ExtractedRenderData it came from and
// is valid until the next AddRenderData, SortAndBatch or Clear on it.
type Batch struct {
	Category Category
	items    []item
}

func (b Batch) Len() int {
	return len(b.items)
}

// At returns the i-th render data of the batch.
func (b Batch) At(i int) RenderData {
	return b.items[i].data
}

func (b Batch) BatchID() uint32 {
	return b.items[0].batchID
}

// Type returns the concrete type of the batch render data.
func (b Batch) Type() reflect.Type {
	return b.items[0].typ
}

func (b Batch) ForEach(f func(RenderData)) {
	for _, it := range b.items {
		f(it.data)
	}
}

// BatchFilter reports whether a batch is kept.
type BatchFilter func(Batch) bool

type bucket struct {
	items   []item
	batches []Batch
	sorted  bool
}

// ExtractedRenderData collects the render data extracted for one view during
// one frame. It is not safe for concurrent use: each view owns its own.
type ExtractedRenderData struct {
	viewpoint Viewpoint
	buckets   []bucket
	frameData []any
}

func NewExtractedRenderData() *ExtractedRenderData {
	return &ExtractedRenderData{
		buckets: make([]bucket, numCategories()),
	}
}

// SetViewpoint sets the viewpoint sort keys are computed for. It applies to
// render data added afterwards.
func (e *ExtractedRenderData) SetViewpoint(v Viewpoint) {
	e.viewpoint = v
}

func (e *ExtractedRenderData) Viewpoint() Viewpoint {
	return e.viewpoint
}

// AddRenderData adds rd to the given category. Its sort key is computed
// immediately. Nil render data and categories that are not registered or have
// no sorting function are dropped.
func (e *ExtractedRenderData) AddRenderData(rd RenderData, category Category) {
	if isNil(rd) {
		dropRenderData(category, dropReasonNilRenderData)
		return
	}

	sortingKey := category.sortingKeyFunc()
	if sortingKey == nil {
		dropRenderData(category, dropReasonUnknownCategory)
		return
	}

	b := e.bucket(category)
	b.items = append(b.items, item{
		data:    rd,
		key:     sortingKey(rd, e.viewpoint),
		batchID: rd.BatchID(),
		typ:     reflect.TypeOf(rd),
	})
	b.batches = b.batches[:0]
	b.sorted = false
}

func isNil(rd RenderData) bool {
	if rd == nil {
		return true
	}

	v := reflect.ValueOf(rd)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

func dropRenderData(c Category, reason string) {
	instrumentDroppedItem(reason)
	logs.WithTag("category", c.String()).
		WithTag("reason", reason).
		Debug(errors.New("render data dropped").
			WithType(ErrTypeInvalidRenderData))
}

func (e *ExtractedRenderData) bucket(c Category) *bucket {
	if int(c) >= len(e.buckets) {
		e.buckets = append(e.buckets, make([]bucket, int(c)+1-len(e.buckets))...)
	}
	return &e.buckets[c]
}

// AddFrameData stores data for the frame. Data of the same concrete type
// replaces the previous one.
func (e *ExtractedRenderData) AddFrameData(data any) {
	t := reflect.TypeOf(data)
	for i, d := range e.frameData {
		if reflect.TypeOf(d) == t {
			e.frameData[i] = data
			return
		}
	}
	e.frameData = append(e.frameData, data)
}

// GetFrameData returns the frame data of type t.
func (e *ExtractedRenderData) GetFrameData(t reflect.Type) (any, bool) {
	for _, d := range e.frameData {
		if reflect.TypeOf(d) == t {
			return d, true
		}
	}
	return nil, false
}

// FrameData returns the frame data of type T stored in e.
func FrameData[T any](e *ExtractedRenderData) (T, bool) {
	d, ok := e.GetFrameData(reflect.TypeFor[T]())
	if !ok {
		var zero T
		return zero, false
	}
	return d.(T), true
}

// SortAndBatch sorts the render data of every category by sort key then by
// batch id, keeping insertion order between equal items, and groups them in
// batches.
func (e *ExtractedRenderData) SortAndBatch() {
	for i := range e.buckets {
		b := &e.buckets[i]
		if len(b.items) == 0 || b.sorted {
			continue
		}

		slices.SortStableFunc(b.items, compareItems)
		b.batches = appendBatches(b.batches[:0], Category(i), b.items)
		b.sorted = true

		instrumentExtractedItems(Category(i), len(b.items))
	}
}

func compareItems(a, b item) int {
	if c := cmp.Compare(a.key, b.key); c != 0 {
		return c
	}
	return cmp.Compare(a.batchID, b.batchID)
}

func appendBatches(batches []Batch, c Category, items []item) []Batch {
	start := 0
	for i := 1; i <= len(items); i++ {
		if i < len(items) &&
			items[i].batchID == items[start].batchID &&
			items[i].typ == items[start].typ {
			continue
		}

		batches = append(batches, Batch{
			Category: c,
			items:    items[start:i:i],
		})
		start = i
	}
	return batches
}

// GetRenderDataBatchesWithCategory returns the batches of a category built by
// the last SortAndBatch. When filter is set, only the batches it keeps are
// returned.
func (e *ExtractedRenderData) GetRenderDataBatchesWithCategory(category Category, filter BatchFilter) []Batch {
	if int(category) >= len(e.buckets) {
		return nil
	}

	batches := e.buckets[category].batches
	if filter == nil {
		return batches
	}

	var kept []Batch
	for _, b := range batches {
		if filter(b) {
			kept = append(kept, b)
		}
	}
	return kept
}

// Len returns the number of render data in a category.
func (e *ExtractedRenderData) Len(category Category) int {
	if int(category) >= len(e.buckets) {
		return 0
	}
	return len(e.buckets[category].items)
}

// TotalLen returns the number of render data in every category.
func (e *ExtractedRenderData) TotalLen() int {
	n := 0
	for _, b := range e.buckets {
		n += len(b.items)
	}
	return n
}

// Clear removes the render data and the frame data. Allocated memory is kept
// for the next frame.
func (e *ExtractedRenderData) Clear() {
	for i := range e.buckets {
		b := &e.buckets[i]
		clear(b.items)
		clear(b.batches)
		b.items = b.items[:0]
		b.batches = b.batches[:0]
		b.sorted = false
	}

	clear(e.frameData)
	e.frameData = e.frameData[:0]
}
