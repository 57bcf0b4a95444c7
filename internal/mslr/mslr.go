// Package mslr loads learning-to-rank datasets in the MSLR-WEB10K/30K (LETOR, SVMlight-like) text format,
// and generates the batches used to train and evaluate the ranking models.
//
// Each line holds one query/document item:
//
//	<relevance> qid:<query_id> 1:<value> 2:<value> ... [# comment]
//
// Features not listed in a line are 0.
package mslr

import (
	"bufio"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/janpfeifer/rankGo/internal/generics"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// NumFeatures of the MSLR-WEB10K and MSLR-WEB30K datasets.
const NumFeatures = 136

// Query is a contiguous range of rows [Start, End) of a Dataset, sharing the same query id.
type Query struct {
	QID        string
	Start, End int
}

// Len returns the number of items of the query.
func (q Query) Len() int { return q.End - q.Start }

// Dataset holds the items of a ranking dataset, grouped by query: the rows of each query are contiguous.
type Dataset struct {
	Name  string
	Width int

	// Features is row-major, with Width values per row.
	Features []float32
	Labels   []float32
	Queries  []Query
}

// Row is one item of a dataset, used to build datasets programmatically.
type Row struct {
	QID      string
	Label    float32
	Features []float32
}

// NumRows returns the number of items in the dataset.
func (ds *Dataset) NumRows() int { return len(ds.Labels) }

// Row returns the features of the row rowIdx. It shares the underlying storage.
func (ds *Dataset) Row(rowIdx int) []float32 {
	return ds.Features[rowIdx*ds.Width : (rowIdx+1)*ds.Width]
}

// FromRows builds a Dataset from the given rows. Rows of the same query are grouped together,
// queries are kept in the order they first appear.
//
// If width is 0, it is taken from the first row. Rows with a different width are an error.
func FromRows(name string, width int, rows []Row) (*Dataset, error) {
	if width == 0 && len(rows) > 0 {
		width = len(rows[0].Features)
	}
	if width <= 0 {
		return nil, errors.Errorf("dataset %q: invalid width %d", name, width)
	}
	b := newBuilder(name)
	for ii, row := range rows {
		if len(row.Features) != width {
			return nil, errors.Errorf("dataset %q: row %d has %d features, expected %d", name, ii, len(row.Features), width)
		}
		indices := make([]int, width)
		for jj := range indices {
			indices[jj] = jj
		}
		b.add(row.QID, row.Label, indices, row.Features)
	}
	return b.build(width), nil
}

// checkCancelEvery is the number of lines parsed between checks of the context cancellation.
const checkCancelEvery = 1000

// Parse reads a dataset in MSLR format from r.
//
// If width is 0, it is inferred from the largest feature index found. Feature indices larger than a given
// width are an error. Parsing stops with the context error if ctx is cancelled.
func Parse(ctx context.Context, r io.Reader, name string, width int) (*Dataset, error) {
	b := newBuilder(name)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		if lineNum%checkCancelEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, errors.Wrapf(err, "%s:%d: parsing interrupted", name, lineNum)
			}
		}
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if len(fields) < 2 {
			return nil, errors.Errorf("%s:%d: expected \"<relevance> qid:<id> ...\", got %q", name, lineNum, line)
		}
		label, err := strconv.ParseFloat(fields[0], 32)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d: invalid relevance %q", name, lineNum, fields[0])
		}
		qid, found := strings.CutPrefix(fields[1], "qid:")
		if !found || qid == "" {
			return nil, errors.Errorf("%s:%d: invalid query id %q", name, lineNum, fields[1])
		}
		indices := make([]int, 0, len(fields)-2)
		values := make([]float32, 0, len(fields)-2)
		for _, field := range fields[2:] {
			idxStr, valueStr, found := strings.Cut(field, ":")
			if !found {
				return nil, errors.Errorf("%s:%d: invalid feature %q", name, lineNum, field)
			}
			idx, err := strconv.Atoi(idxStr)
			if err != nil || idx < 1 {
				return nil, errors.Errorf("%s:%d: invalid feature index %q", name, lineNum, idxStr)
			}
			if width > 0 && idx > width {
				return nil, errors.Errorf("%s:%d: feature index %d larger than dataset width %d", name, lineNum, idx, width)
			}
			value, err := strconv.ParseFloat(valueStr, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d: invalid value for feature %d", name, lineNum, idx)
			}
			indices = append(indices, idx-1)
			values = append(values, float32(value))
		}
		b.add(qid, float32(label), indices, values)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading %s", name)
	}
	if width == 0 {
		width = b.maxIndex + 1
	}
	if width <= 0 {
		return nil, errors.Errorf("%s: no features found", name)
	}
	return b.build(width), nil
}

// LoadFile loads a dataset in MSLR format from the file at path.
func LoadFile(ctx context.Context, path string, width int) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open dataset")
	}
	defer func() { _ = f.Close() }()
	ds, err := Parse(ctx, f, filepath.Base(path), width)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("Loaded %s: %d rows, %d queries, width %d", path, ds.NumRows(), len(ds.Queries), ds.Width)
	return ds, nil
}

// LoadFold loads the "train.txt" and "vali.txt" files of the given fold (e.g.: "Fold1") under dataDir.
// Both files are read concurrently: if one fails, or ctx is cancelled, the other one is interrupted.
func LoadFold(ctx context.Context, dataDir, fold string, width int) (train, valid *Dataset, err error) {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		train, err = LoadFile(gCtx, filepath.Join(dataDir, fold, "train.txt"), width)
		return err
	})
	g.Go(func() error {
		var err error
		valid, err = LoadFile(gCtx, filepath.Join(dataDir, fold, "vali.txt"), width)
		return err
	})
	if err = g.Wait(); err != nil {
		return nil, nil, errors.WithMessagef(err, "loading fold %s from %s", fold, dataDir)
	}
	if train.Width != valid.Width {
		return nil, nil, errors.Errorf("fold %s: train width %d differs from validation width %d",
			fold, train.Width, valid.Width)
	}
	return train, valid, nil
}

// builder accumulates sparse rows, and groups them by query when built.
type builder struct {
	name     string
	qids     []string
	labels   []float32
	indices  [][]int
	values   [][]float32
	maxIndex int
}

func newBuilder(name string) *builder {
	return &builder{name: name, maxIndex: -1}
}

func (b *builder) add(qid string, label float32, indices []int, values []float32) {
	b.qids = append(b.qids, qid)
	b.labels = append(b.labels, label)
	b.indices = append(b.indices, indices)
	b.values = append(b.values, values)
	for _, idx := range indices {
		b.maxIndex = max(b.maxIndex, idx)
	}
}

func (b *builder) build(width int) *Dataset {
	// Order of the queries: as they first appear.
	var order []string
	rowsPerQuery := make(map[string][]int)
	for rowIdx, qid := range b.qids {
		if _, found := rowsPerQuery[qid]; !found {
			order = append(order, qid)
		}
		rowsPerQuery[qid] = append(rowsPerQuery[qid], rowIdx)
	}
	if len(order) > 0 && len(order) < len(b.qids) {
		seen := generics.MakeSet[string](len(order))
		prev := ""
		for _, qid := range b.qids {
			if qid != prev && seen.Has(qid) {
				klog.Warningf("%s: rows of query %q are not contiguous, they will be grouped", b.name, qid)
				break
			}
			seen.Insert(qid)
			prev = qid
		}
	}

	numRows := len(b.labels)
	ds := &Dataset{
		Name:     b.name,
		Width:    width,
		Features: make([]float32, numRows*width),
		Labels:   make([]float32, 0, numRows),
		Queries:  make([]Query, 0, len(order)),
	}
	for _, qid := range order {
		query := Query{QID: qid, Start: len(ds.Labels)}
		for _, rowIdx := range rowsPerQuery[qid] {
			dst := ds.Features[len(ds.Labels)*width : (len(ds.Labels)+1)*width]
			for ii, idx := range b.indices[rowIdx] {
				dst[idx] = b.values[rowIdx][ii]
			}
			ds.Labels = append(ds.Labels, b.labels[rowIdx])
		}
		query.End = len(ds.Labels)
		ds.Queries = append(ds.Queries, query)
	}
	return ds
}
