// Copyright 2021 Cosmos Nicolaou. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/cosnicolaou/rardec"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/must"
	"github.com/schollz/progressbar/v2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/ssh/terminal"
	"v.io/x/lib/cmd/flagvar"
)

var commandline struct {
	InputFile    string `cmd:"input,,'archive file or s3 path (first volume)'"`
	OutputDir    string `cmd:"output,,'directory to extract into, omit to test the archive without writing'"`
	PasswordFile string `cmd:"password-file,,'file holding the archive password'"`
	Concurrency  int    `cmd:"concurrency,4,'concurrency for the extraction'"`
	ProgressBar  bool   `cmd:"progress,true,display a progress bar"`
	Verbose      bool   `cmd:"verbose,false,verbose debug/trace information"`
	List         bool   `cmd:"list,false,list entries without extracting"`
}

func init() {
	must.Nil(flagvar.RegisterFlagsInStruct(flag.CommandLine, "cmd", &commandline,
		map[string]interface{}{
			"concurrency": runtime.GOMAXPROCS(-1),
		}, nil))
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func OnSignal(fn func(), signals ...os.Signal) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)
	go func() {
		sig := <-sigCh
		fmt.Println("stopping on... ", sig)
		fn()
	}()
}

// readerAt adapts the file abstraction's seekable reader to io.ReaderAt.
type readerAt struct {
	mu sync.Mutex
	rs io.ReadSeeker
}

func (r *readerAt) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.rs.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(r.rs, p)
}

func openArchive(ctx context.Context, name string) (io.ReaderAt, int64, func(context.Context) error, error) {
	info, err := file.Stat(ctx, name)
	if err != nil {
		return nil, 0, nil, err
	}
	f, err := file.Open(ctx, name)
	if err != nil {
		return nil, 0, nil, err
	}
	return &readerAt{rs: f.Reader(ctx)}, info.Size(), f.Close, nil
}

// passwordKey adapts a password to the archive's per entry key derivation
// parameters; the decode layer only consumes derived key material.
func passwordKey(password string) rardec.KeyFunc {
	return func(salt []byte, iterations int) ([]byte, error) {
		return pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New), nil
	}
}

// volumeName returns the name of the n'th volume of the chain starting at
// first, using either the .partNN.rar or the .rar/.rNN naming style.
func volumeName(first string, n int, newStyle bool) string {
	if newStyle {
		if i := strings.LastIndex(strings.ToLower(first), ".part"); i >= 0 {
			j := i + len(".part")
			k := j
			for k < len(first) && first[k] >= '0' && first[k] <= '9' {
				k++
			}
			if k > j {
				return fmt.Sprintf("%s%0*d%s", first[:j], k-j, n+1, first[k:])
			}
		}
	}
	base := strings.TrimSuffix(first, filepath.Ext(first))
	return fmt.Sprintf("%s.r%02d", base, n-1)
}

func main() {
	flag.Parse()
	if err := runner(); err != nil {
		log.Fatal(err)
	}
}

func runner() (returnErr error) {
	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)
	OnSignal(cancel, os.Interrupt)

	if len(commandline.InputFile) == 0 {
		return fmt.Errorf("please specify an input file or s3 path")
	}

	rd, size, readerCleanup, err := openArchive(ctx, commandline.InputFile)
	if err != nil {
		return err
	}
	defer readerCleanup(ctx)

	var (
		cleanupMu sync.Mutex
		cleanups  []func(context.Context) error
	)
	addCleanup := func(fn func(context.Context) error) {
		cleanupMu.Lock()
		cleanups = append(cleanups, fn)
		cleanupMu.Unlock()
	}
	defer func() {
		for _, fn := range cleanups {
			if err := fn(ctx); err != nil && returnErr == nil {
				returnErr = err
			}
		}
	}()

	opts := []rardec.Option{
		rardec.WithNextVolume(func(n int) (io.ReaderAt, error) {
			// The naming style is known once the main block has been read.
			name := volumeName(commandline.InputFile, n, true)
			if _, err := file.Stat(ctx, name); err != nil {
				name = volumeName(commandline.InputFile, n, false)
			}
			if commandline.Verbose {
				log.Printf("opening volume %v: %v", n, name)
			}
			vrd, _, cleanup, err := openArchive(ctx, name)
			if err != nil {
				return nil, err
			}
			addCleanup(cleanup)
			return vrd, nil
		}),
	}
	if len(commandline.PasswordFile) > 0 {
		pw, err := ioutil.ReadFile(commandline.PasswordFile)
		if err != nil {
			return err
		}
		opts = append(opts, rardec.WithKey(passwordKey(strings.TrimSpace(string(pw)))))
	}

	archive, err := rardec.New(rd, opts...)
	if err != nil {
		return err
	}

	if commandline.List {
		return list(archive)
	}

	// Kick off the progress bar, sized by the first volume, if requested
	// and stdout is a terminal.
	var bar *progressbar.ProgressBar
	if commandline.ProgressBar && terminal.IsTerminal(int(os.Stdout.Fd())) {
		bar = progressbar.NewOptions64(size,
			progressbar.OptionSetBytes64(size),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetPredictTime(true))
		bar.RenderBlank()
	}

	open := func(e *rardec.Entry) (io.Writer, error) {
		if len(commandline.OutputDir) == 0 || e.IsDirectory {
			return nil, nil
		}
		w, err := file.Create(ctx, filepath.Join(commandline.OutputDir, filepath.FromSlash(e.Name)))
		if err != nil {
			return nil, err
		}
		addCleanup(w.Close)
		return w.Writer(ctx), nil
	}

	results, err := archive.ExtractAll(ctx, open, commandline.Concurrency)
	if err != nil {
		return err
	}
	failures := 0
	for r := range results {
		if bar != nil {
			bar.Add64(r.Entry.PackedSize)
		}
		if commandline.Verbose || r.Err != nil {
			log.Printf("%v: %v %v", r.Entry.Name, r.Verification, r.Err)
		}
		if r.Err != nil {
			failures++
		}
	}
	if bar != nil {
		fmt.Fprintln(os.Stderr)
	}
	if failures > 0 {
		return fmt.Errorf("%v of the archive's entries failed to extract", failures)
	}
	return nil
}

func list(archive *rardec.Archive) error {
	for {
		e, err := archive.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		kind := " "
		if e.IsDirectory {
			kind = "d"
		}
		fmt.Printf("%s %12d %12d %v %s\n",
			kind, e.UnpackedSize, e.PackedSize,
			e.ModificationTime.Format("2006-01-02 15:04:05"), e.Name)
	}
}
