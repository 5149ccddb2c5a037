// Command chunkerBenchmark compares the fixed-tree chunker against
// content-defined buzhash chunking on a directory of real files, reporting
// chunk counts and how much content deduplicates within the corpus.
package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	boxo "github.com/ipfs/boxo/chunker"

	"github.com/i5heu/ouroboros-dpa/pkg/chunker"
	"github.com/i5heu/ouroboros-dpa/pkg/model"
)

type stats struct {
	chunks       int
	uniqueChunks int
	bytes        int64
	uniqueBytes  int64
	seen         map[string]struct{}
}

func newStats() *stats {
	return &stats{seen: map[string]struct{}{}}
}

func (s *stats) add(key []byte, size int64) {
	s.chunks++
	s.bytes += size
	if _, ok := s.seen[string(key)]; ok {
		return
	}
	s.seen[string(key)] = struct{}{}
	s.uniqueChunks++
	s.uniqueBytes += size
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: chunkerBenchmark <path of data to be chunked>")
		os.Exit(1)
	}

	dataPath, err := filepath.Abs(os.Args[1])
	if err != nil {
		log.Fatalf("failed to resolve data path: %v", err)
	}

	tc, err := chunker.NewTreeChunker(chunker.DefaultBranches, nil)
	if err != nil {
		log.Fatal(err)
	}

	tree := newStats()
	buz := newStats()

	err = filepath.WalkDir(dataPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		return processFile(tc, tree, buz, path)
	})
	if err != nil {
		log.Fatalf("failed to process files: %v", err)
	}

	report("tree", tree)
	report("buzhash", buz)
}

func processFile(tc *chunker.TreeChunker, tree, buz *stats, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	_, err = tc.Split(context.Background(), chunker.NewByteSection(data), func(c *model.Chunk) error {
		tree.add(c.Key, int64(len(c.Data)))
		return nil
	})
	if err != nil {
		return err
	}

	bz := boxo.NewBuzhash(bytes.NewReader(data))
	for {
		chunk, err := bz.NextBytes()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		sum := sha256.Sum256(chunk)
		buz.add(sum[:], int64(len(chunk)))
	}
	return nil
}

func report(name string, s *stats) {
	saved := s.bytes - s.uniqueBytes
	fmt.Printf("%-8s chunks=%d unique=%d bytes=%d uniqueBytes=%d dedup=%.2f%%\n",
		name, s.chunks, s.uniqueChunks, s.bytes, s.uniqueBytes,
		100*float64(saved)/float64(max64(s.bytes, 1)))
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
