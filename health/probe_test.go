package health

import (
	"context"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-mysql-org/go-failover/topology"
	"github.com/go-mysql-org/go-failover/utils"
)

type nodeFunc func(ctx context.Context) (Result, error)

func (f nodeFunc) ProbeLocalHealth(ctx context.Context) (Result, error) {
	return f(ctx)
}

func fixedTimeout(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

func TestResultMasterStatus(t *testing.T) {
	tests := []struct {
		r       Result
		healthy bool
		status  int
	}{
		{Result{Writable: true, TopologyUpdateOK: true}, true, CodeHealthy},
		{Result{Writable: false, TopologyUpdateOK: true}, false, CodeNotWritable},
		{Result{Writable: true, TopologyUpdateOK: false}, false, CodeTopologyUpdate},
		{Result{Writable: true, TopologyUpdateOK: false, FailureCode: 2013}, false, 2013},
		{Result{Writable: true, TopologyUpdateOK: true, FailureCode: CodeWritePreference}, false, CodeWritePreference},
	}

	for _, tt := range tests {
		require.Equal(t, tt.healthy, tt.r.Healthy(), "%+v", tt.r)
		require.Equal(t, tt.status, tt.r.MasterStatus(), "%+v", tt.r)
	}
}

func TestCheckLocalHealthy(t *testing.T) {
	p := NewProbe(nodeFunc(func(ctx context.Context) (Result, error) {
		return Result{Writable: true, TopologyUpdateOK: true}, nil
	}), fixedTimeout(time.Second), nil)

	r, err := p.CheckLocal(context.Background())
	require.NoError(t, err)
	require.True(t, r.Healthy())
}

func TestCheckLocalTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	p := NewProbe(nodeFunc(func(ctx context.Context) (Result, error) {
		<-block
		return Result{Writable: true, TopologyUpdateOK: true}, nil
	}), fixedTimeout(10*time.Millisecond), nil)

	r, err := p.CheckLocal(context.Background())
	require.True(t, utils.IsTimeout(err))
	require.False(t, r.Healthy())
	require.Equal(t, CodeProbeTimeout, r.MasterStatus())
}

func TestCheckLocalErrorIsFailure(t *testing.T) {
	p := NewProbe(nodeFunc(func(ctx context.Context) (Result, error) {
		return Result{}, errors.New("connection refused")
	}), fixedTimeout(time.Second), nil)

	r, err := p.CheckLocal(context.Background())
	require.NoError(t, err)
	require.False(t, r.Healthy())
	require.Equal(t, CodeProbeError, r.MasterStatus())

	p = NewProbe(nodeFunc(func(ctx context.Context) (Result, error) {
		return Result{FailureCode: 1290}, errors.New("read only")
	}), fixedTimeout(time.Second), nil)

	r, err = p.CheckLocal(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1290, r.MasterStatus())
}

func TestCheckLocalNotFoundPropagates(t *testing.T) {
	p := NewProbe(nodeFunc(func(ctx context.Context) (Result, error) {
		return Result{FailureCode: CodeProbeError}, errors.Trace(&topology.NotFoundError{TierID: 7})
	}), fixedTimeout(time.Second), nil)

	r, err := p.CheckLocal(context.Background())
	require.True(t, topology.IsNotFound(err))
	require.False(t, r.Healthy())
}

func TestCheckLocalLiveTimeout(t *testing.T) {
	timeout := 10 * time.Millisecond
	p := NewProbe(nodeFunc(func(ctx context.Context) (Result, error) {
		time.Sleep(50 * time.Millisecond)
		return Result{Writable: true, TopologyUpdateOK: true}, nil
	}), func() time.Duration { return timeout }, nil)

	_, err := p.CheckLocal(context.Background())
	require.True(t, utils.IsTimeout(err))

	timeout = time.Second
	r, err := p.CheckLocal(context.Background())
	require.NoError(t, err)
	require.True(t, r.Healthy())
}
