// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package rardec

import (
	"container/heap"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"runtime"
	"sync"

	"github.com/cosnicolaou/rardec/internal/unpack"
)

// Result is the outcome of extracting one entry.
type Result struct {
	Entry        *Entry
	Verification Verification
	Err          error
}

// chainDesc is one solid chain (or a single non-solid entry) scheduled as a
// unit: a chain's dictionary state threads through its entries, so it must
// decode sequentially on one goroutine.
type chainDesc struct {
	order   int
	entries []*Entry
	results []Result
}

// ExtractAll decodes every remaining entry concurrently and returns a
// channel delivering one Result per entry in header order. Each entry is
// written to the writer returned by open; a nil writer discards the entry's
// bytes. Independent chains fan out across concurrency workers, each with
// its own decoder and dictionary. ExtractAll consumes the rest of the
// archive; it must not be interleaved with Next or Extract.
func (a *Archive) ExtractAll(ctx context.Context, open func(*Entry) (io.Writer, error), concurrency int) (<-chan Result, error) {
	var chains []*chainDesc
	for {
		e, err := a.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if e.Solid && len(chains) > 0 {
			last := chains[len(chains)-1]
			last.entries = append(last.entries, e)
			continue
		}
		chains = append(chains, &chainDesc{order: len(chains), entries: []*Entry{e}})
	}
	if concurrency <= 0 {
		concurrency = runtime.GOMAXPROCS(0)
	}

	workCh := make(chan *chainDesc, concurrency)
	doneCh := make(chan *chainDesc, concurrency)
	results := make(chan Result, concurrency)

	var workWg sync.WaitGroup
	workWg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			dec := unpack.NewReader(unpack.Config{MaxFilterOps: a.opts.maxFilterOps})
			for c := range workCh {
				a.runChain(ctx, dec, c, open)
				doneCh <- c
			}
			workWg.Done()
		}()
	}
	go func() {
		for _, c := range chains {
			workCh <- c
		}
		close(workCh)
		workWg.Wait()
		close(doneCh)
	}()
	go assemble(doneCh, results)
	return results, nil
}

// runChain decodes one chain in order. A failed compressed entry poisons
// the solid entries after it; store entries do not touch the dictionary and
// stay extractable.
func (a *Archive) runChain(ctx context.Context, dec *unpack.Reader, c *chainDesc, open func(*Entry) (io.Writer, error)) {
	var (
		failed     error
		failedName string
	)
	for _, e := range c.entries {
		r := Result{Entry: e, Verification: VerificationUnsupported}
		if e.IsDirectory {
			c.results = append(c.results, r)
			continue
		}
		if failed != nil && e.Solid && e.Method != MethodStore {
			r.Err = fmt.Errorf("%w: entry %q depends on %q: %v",
				ErrDependentDecodeFailed, e.Name, failedName, failed)
			c.results = append(c.results, r)
			continue
		}
		w, openErr := open(e)
		if w == nil {
			// Decode anyway: successors may need this entry's dictionary.
			w = ioutil.Discard
		}
		v, err := a.decodeEntry(ctx, dec, e, w)
		r.Verification = v
		if err == nil {
			err = openErr
		}
		r.Err = err
		if err != nil && err != openErr && e.Method != MethodStore {
			failed, failedName = err, e.Name
		}
		c.results = append(c.results, r)
	}
}

type chainHeap []*chainDesc

func (h chainHeap) Len() int           { return len(h) }
func (h chainHeap) Less(i, j int) bool { return h[i].order < h[j].order }
func (h chainHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *chainHeap) Push(x interface{}) {
	// Push and Pop use pointer receivers because they modify the slice's
	// length, not just its contents.
	*h = append(*h, x.(*chainDesc))
}

func (h *chainHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

// assemble reorders finished chains into header order and flattens their
// per-entry results onto the output channel.
func assemble(doneCh <-chan *chainDesc, results chan<- Result) {
	h := &chainHeap{}
	heap.Init(h)
	expected := 0
	for c := range doneCh {
		heap.Push(h, c)
		for len(*h) > 0 && (*h)[0].order == expected {
			min := heap.Pop(h).(*chainDesc)
			for _, r := range min.results {
				results <- r
			}
			expected++
		}
	}
	close(results)
}
