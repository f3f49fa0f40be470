package interceptors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-bus/contracts"
)

func withHeaders(text string, headers map[string]string) *contracts.SimpleMessage {
	msg := request(text)
	msg.SetHeaders(headers)
	return msg
}

func TestFilteringInterceptor(t *testing.T) {
	ctx := context.Background()
	onlyBoo := NewHeaderFilter("MyTest", "boo")

	t.Run("matching envelopes reach the handler", func(t *testing.T) {
		i := NewFilteringInterceptor(onlyBoo, SkipWithError, nil)
		resp, err := i.Intercept(ctx, withHeaders("x", map[string]string{"MyTest": "boo"}), echo)
		require.NoError(t, err)
		assert.NotNil(t, resp)
	})

	tests := []struct {
		name     string
		behavior SkipBehavior
		wantErr  bool
	}{
		{"skip silently", SkipSilently, false},
		{"skip with log", SkipWithLog, false},
		{"skip with error", SkipWithError, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			i := NewFilteringInterceptor(onlyBoo, tt.behavior, nil)
			resp, err := i.Intercept(ctx, withHeaders("x", map[string]string{"MyTest": "far"}),
				func(ctx context.Context, msg contracts.Envelope) (contracts.Envelope, error) {
					t.Fatal("handler must not run")
					return nil, nil
				})
			assert.Nil(t, resp)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMessageFiltered)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("filter errors are returned", func(t *testing.T) {
		broken := MessageFilterFunc(func(ctx context.Context, msg contracts.Envelope) (bool, error) {
			return false, errors.New("broken filter")
		})
		_, err := NewFilteringInterceptor(broken, SkipSilently, nil).Intercept(ctx, request("x"), echo)
		assert.ErrorContains(t, err, "filter error")
	})
}

func TestCompositeFilters(t *testing.T) {
	ctx := context.Background()
	boo := NewHeaderFilter("MyTest", "boo")
	eu := NewHeaderFilter("region", "eu")

	msg := withHeaders("x", map[string]string{"MyTest": "boo", "region": "us"})

	ok, err := NewCompositeFilter(boo, eu).ShouldProcess(ctx, msg)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = NewOrFilter(boo, eu).ShouldProcess(ctx, msg)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = NewOrFilter().ShouldProcess(ctx, msg)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConditionalInterceptor(t *testing.T) {
	ctx := context.Background()
	reject := NewInterceptorFunc("reject", func(ctx context.Context, msg contracts.Envelope, next Next) (contracts.Envelope, error) {
		return nil, errHandler
	})
	i := NewConditionalInterceptor(NewHeaderFilter("strict", "true"), reject)
	assert.Equal(t, "ConditionalInterceptor[reject]", i.Name())

	_, err := i.Intercept(ctx, withHeaders("x", map[string]string{"strict": "true"}), echo)
	assert.ErrorIs(t, err, errHandler)

	resp, err := i.Intercept(ctx, request("x"), echo)
	require.NoError(t, err)
	assert.NotNil(t, resp)
}
