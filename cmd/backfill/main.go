// Package main runs a one-shot backfill against the chirp contract and
// prints a summary of what was indexed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/chirp-indexer/internal/adapter"
	"github.com/chirp-indexer/internal/config"
	"github.com/chirp-indexer/internal/logging"
	"github.com/chirp-indexer/internal/service"
)

func main() {
	topFlag := flag.Int("top", 10, "Number of most active authors to list")
	maxFlag := flag.Uint64("max", 0, "Stop after indexing this many chirps (0 = until the end)")
	flag.Parse()

	fmt.Println("Chirp Indexer Backfill")

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if *maxFlag > 0 {
		cfg.Backfill.MaxRecords = *maxFlag
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, err := adapter.NewProviderFromLedger(&cfg.Ledger)
	if err != nil {
		log.Fatalf("Failed to create endpoint provider: %v", err)
	}
	gateway, err := adapter.DialEthereumGateway(ctx, provider, adapter.GatewayConfigFromLedger(&cfg.Ledger, logger))
	if err != nil {
		log.Fatalf("Failed to connect to ledger: %v", err)
	}

	indexer, err := service.NewIndexer(gateway, service.IndexerConfigFrom(cfg, nil, logger))
	if err != nil {
		gateway.Close()
		log.Fatalf("Failed to create indexer: %v", err)
	}
	defer indexer.Close(context.Background())

	count, err := indexer.RunBackfill(ctx, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Backfill failed at chirp %d: %v\n", count, err)
		indexer.Close(context.Background())
		os.Exit(1)
	}

	printSummary(indexer, count, *topFlag)
}

type authorSummary struct {
	address string
	chirps  int
	replies int
}

// printSummary walks the indexed range and lists the most active authors
func printSummary(indexer *service.Indexer, count uint64, top int) {
	byAuthor := make(map[string]*authorSummary)
	roots := 0

	for id := uint64(1); id < count; id++ {
		view, ok := indexer.GetWithReplies(id)
		if !ok {
			continue
		}
		key := strings.ToLower(view.Author)
		sum, ok := byAuthor[key]
		if !ok {
			sum = &authorSummary{address: view.Author}
			byAuthor[key] = sum
		}
		sum.chirps++
		if view.IsRoot() {
			roots++
		} else {
			sum.replies++
		}
	}

	authors := make([]*authorSummary, 0, len(byAuthor))
	for _, sum := range byAuthor {
		authors = append(authors, sum)
	}
	sort.Slice(authors, func(i, j int) bool {
		if authors[i].chirps != authors[j].chirps {
			return authors[i].chirps > authors[j].chirps
		}
		return authors[i].address < authors[j].address
	})

	fmt.Println("========================================")
	fmt.Printf("Next chirp ID:  %d\n", count)
	fmt.Printf("Chirps indexed: %d (%d threads, %d replies)\n", count-1, roots, int(count-1)-roots)
	fmt.Printf("Authors:        %d\n", len(authors))
	fmt.Println("========================================")

	if top < 0 {
		top = 0
	}
	if top > len(authors) {
		top = len(authors)
	}
	for _, sum := range authors[:top] {
		fmt.Printf("  %s  %6d chirps  %6d replies\n", sum.address, sum.chirps, sum.replies)
	}
}
