package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mcclellann/loanrecon/pkg/config"
	"github.com/mcclellann/loanrecon/pkg/csvsource"
	"github.com/mcclellann/loanrecon/pkg/ledger"
)

// errIncompleteImport marks an import where at least one chunk was rolled
// back. The file stays in place so the next tick retries it; records that
// already committed are rejected as DUPLICATE on the retry.
var errIncompleteImport = errors.New("import incomplete")

// scheduleImports imports cfg.File every cfg.Interval until ctx is done.
func (s *Server) scheduleImports(ctx context.Context, cfg config.ImportConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Println("Running scheduled payment import...")
			summary, err := s.importFile(ctx, cfg)
			if errors.Is(err, os.ErrNotExist) {
				log.Printf("No payment file at %s, nothing to import.", cfg.File)
				continue
			}
			if errors.Is(err, errIncompleteImport) {
				log.Printf("Scheduled import incomplete, %s kept for retry: %d of %d chunks failed, %d accepted, %d rejected.",
					cfg.File, summary.FailedChunks, summary.Chunks, summary.Accepted, summary.Rejected)
				continue
			}
			if err != nil {
				log.Printf("Scheduled import failed: %v", err)
				continue
			}
			log.Printf("Scheduled import complete: %d chunks (%d failed), %d accepted, %d rejected, %d refunds, %d loans paid.",
				summary.Chunks, summary.FailedChunks, summary.Accepted, summary.Rejected, summary.Refunds, summary.PaidLoans)
		}
	}
}

// importFile imports one payment file and renames it with a .done suffix
// so the next tick does not pick it up again. A file with failed chunks is
// left untouched and errIncompleteImport is returned.
func (s *Server) importFile(ctx context.Context, cfg config.ImportConfig) (ledger.Summary, error) {
	src, err := csvsource.Open(cfg.File, cfg.ChunkSize, cfg.Delimiter)
	if err != nil {
		return ledger.Summary{}, err
	}

	summary, err := s.ledger.Import(ctx, src, func(r ledger.ChunkResult) {
		if !r.Committed() || s.notifier == nil {
			return
		}
		if err := s.notifier.Committed(ctx, r.Loans, r.Rejected); err != nil {
			log.Printf("Could not queue notifications for chunk %d: %v", r.Number, err)
		}
	})
	src.Close()
	if err != nil {
		return summary, err
	}
	if summary.FailedChunks > 0 {
		return summary, fmt.Errorf("%w: %d of %d chunks failed", errIncompleteImport, summary.FailedChunks, summary.Chunks)
	}

	if err := os.Rename(cfg.File, cfg.File+".done"); err != nil {
		return summary, fmt.Errorf("imported but could not mark %s as done: %w", cfg.File, err)
	}
	return summary, nil
}
