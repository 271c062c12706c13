package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOnce(t *testing.T) {
	errTransient := errors.New("connection reset")

	tests := []struct {
		name      string
		failures  int
		cancelled bool
		wantCalls int
		wantErr   bool
	}{
		{name: "succeeds first time", failures: 0, wantCalls: 1},
		{name: "succeeds on retry", failures: 1, wantCalls: 2},
		{name: "fails twice", failures: 2, wantCalls: 2, wantErr: true},
		{name: "cancelled context not retried", failures: 2, cancelled: true, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			calls := 0
			err := Once(ctx, func() error {
				calls++
				if tt.cancelled {
					cancel()
				}
				if calls <= tt.failures {
					return errTransient
				}
				return nil
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
