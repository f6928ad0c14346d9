package functions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryOverwriteLeavesOnlyLastRegistration(t *testing.T) {
	reg := NewRegistry()
	reg.Register("greet", func(ctx context.Context, fctx Context, args json.RawMessage) (Result, error) {
		return Result{Success: true, Data: "first"}, nil
	})
	reg.Register("greet", func(ctx context.Context, fctx Context, args json.RawMessage) (Result, error) {
		return Result{Success: true, Data: "second"}, nil
	})

	h, ok := reg.Get("greet")
	require.True(t, ok)
	res, err := h(context.Background(), Context{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", res.Data)
}

func TestExecutorInvokeUnknownFunction(t *testing.T) {
	ex := NewExecutor(NewRegistry())
	res := ex.Invoke(context.Background(), Context{}, Call{Name: "missing"}, 0)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown function")
}

func TestExecutorInvokeReturnsHandlerResult(t *testing.T) {
	reg := NewRegistry()
	reg.Register("echo", func(ctx context.Context, fctx Context, args json.RawMessage) (Result, error) {
		return Result{Success: true, Data: string(args)}, nil
	})
	ex := NewExecutor(reg)

	res := ex.Invoke(context.Background(), Context{}, Call{Name: "echo", Arguments: []byte(`"hi"`)}, 0)
	assert.True(t, res.Success)
	assert.Equal(t, `"hi"`, res.Data)
}

func TestExecutorInvokeTimesOutSlowHandler(t *testing.T) {
	reg := NewRegistry()
	reg.Register("slow", func(ctx context.Context, fctx Context, args json.RawMessage) (Result, error) {
		select {
		case <-time.After(time.Second):
			return Result{Success: true}, nil
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	})
	ex := NewExecutor(reg)

	res := ex.Invoke(context.Background(), Context{}, Call{Name: "slow"}, 10*time.Millisecond)
	assert.False(t, res.Success)
	assert.Equal(t, "timeout", res.Error)
}

func TestExecutorInvokeSurfacesHandlerError(t *testing.T) {
	reg := NewRegistry()
	reg.Register("boom", func(ctx context.Context, fctx Context, args json.RawMessage) (Result, error) {
		return Result{}, errors.New("kaboom")
	})
	ex := NewExecutor(reg)

	res := ex.Invoke(context.Background(), Context{}, Call{Name: "boom"}, 0)
	assert.False(t, res.Success)
	assert.Equal(t, "kaboom", res.Error)
}

func TestExecutorInvokeAsyncAcksImmediatelyThenDelivers(t *testing.T) {
	reg := NewRegistry()
	reg.Register("longtask", func(ctx context.Context, fctx Context, args json.RawMessage) (Result, error) {
		return Result{Success: true, Data: "done"}, nil
	})
	ex := NewExecutor(reg)

	var wg sync.WaitGroup
	wg.Add(1)
	var followUp AsyncFollowUp
	ack := ex.InvokeAsync(context.Background(), Context{}, Call{ID: "c1", Name: "longtask"}, func(f AsyncFollowUp) {
		followUp = f
		wg.Done()
	})

	assert.True(t, ack.Success)
	assert.Equal(t, map[string]any{"accepted": true}, ack.Data)

	wg.Wait()
	assert.Equal(t, "c1", followUp.CallID)
	assert.True(t, followUp.Result.Success)
	assert.Equal(t, "done", followUp.Result.Data)
}

func TestExecutorBatchPreservesOrderAndPartialFailure(t *testing.T) {
	reg := NewRegistry()
	reg.Register("ok", func(ctx context.Context, fctx Context, args json.RawMessage) (Result, error) {
		return Result{Success: true, Data: "ok"}, nil
	})
	reg.Register("fail", func(ctx context.Context, fctx Context, args json.RawMessage) (Result, error) {
		return Result{Success: false, Error: "nope"}, nil
	})
	ex := NewExecutor(reg)

	calls := []Call{
		{Name: "ok"},
		{Name: "fail"},
		{Name: "ok"},
	}
	results := ex.Batch(context.Background(), Context{}, calls)

	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, "nope", results[1].Error)
	assert.True(t, results[2].Success)
}
