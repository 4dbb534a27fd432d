package store

import (
	"context"
	"database/sql/driver"
	"fmt"
	"testing"

	"github.com/xtxerr/tickpipe/internal/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"deadline", context.DeadlineExceeded, errors.ErrTransientWrite},
		{"wrapped deadline", fmt.Errorf("chunk 0: %w", context.DeadlineExceeded), errors.ErrTransientWrite},
		{"bad conn", driver.ErrBadConn, errors.ErrTransientWrite},
		{"locked", errors.New("IO Error: Could not set lock on file"), errors.ErrTransientWrite},
		{"conversion", errors.New("Conversion Error: Could not convert string 'x' to DOUBLE"), errors.ErrPermanentWrite},
		{"constraint", errors.New("Constraint Error: NOT NULL constraint failed: ticks.price"), errors.ErrPermanentWrite},
		{"binder", errors.New("Binder Error: table ticks has 14 columns but 3 values were supplied"), errors.ErrPermanentWrite},
		{"catalog", errors.New("Catalog Error: Table with name nope does not exist!"), errors.ErrPermanentWrite},
		{"unknown", errors.New("something odd"), errors.ErrTransientWrite},
		{"already permanent", errors.Mark(errors.New("x"), errors.ErrPermanentWrite), errors.ErrPermanentWrite},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if tt.want == nil {
				if got != nil {
					t.Errorf("got %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("original error lost: %v", got)
			}
		})
	}
}

func TestClassify_Canceled(t *testing.T) {
	err := Classify(context.Canceled)
	if errors.IsWriteError(err) {
		t.Errorf("cancellation should not be a write error: %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v", err)
	}
}
