// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package kernel

import (
	"context"
	"io"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ctnl "github.com/ti-mo/conntrack"
	"golang.org/x/sys/unix"

	"grimm.is/ssdphelper/internal/conntrack"
	"grimm.is/ssdphelper/internal/logging"
	"grimm.is/ssdphelper/internal/testutil"
)

type fakeExpectConn struct {
	mu      sync.Mutex
	errs    []error
	created []ctnl.Expect
	calls   int
	closed  bool
}

func (f *fakeExpectConn) CreateExpect(ex ctnl.Expect) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return err
		}
	}
	f.created = append(f.created, ex)
	return nil
}

func (f *fakeExpectConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeExpectConn) snapshot() (calls int, created []ctnl.Expect) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]ctnl.Expect(nil), f.created...)
}

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Output: io.Discard, Level: logging.LevelError})
}

func queryFlow() *conntrack.Flow {
	return conntrack.NewFlow(7, conntrack.Tuple{
		Src:     netip.MustParseAddr("192.168.1.50"),
		Dst:     netip.MustParseAddr("239.255.255.250"),
		Proto:   conntrack.ProtoUDP,
		SrcPort: 40000,
		DstPort: 1900,
	})
}

// build mimics the SSDP builder against tbl.
func build(t *testing.T, tbl *ExpectTable, master *conntrack.Flow) {
	t.Helper()
	exp, err := tbl.Alloc(master)
	require.NoError(t, err)
	defer tbl.Put(exp)

	exp.Tuple = master.Reply
	exp.Tuple.Src = exp.Tuple.Dst
	exp.Mask = conntrack.Mask{Src: netip.MustParseAddr("255.255.255.0"), SrcPort: conntrack.PortAny}
	exp.Class = "ssdp"
	exp.Timeout = time.Second
	require.NoError(t, tbl.Related(exp))
}

func runTable(t *testing.T, tbl *ExpectTable) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = tbl.Run(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

func TestExpectTableSubmitsAfterFlush(t *testing.T) {
	conn := &fakeExpectConn{}
	tbl := newExpectTable(conn, 4, quietLogger())
	stop := runTable(t, tbl)
	defer stop()

	build(t, tbl, queryFlow())

	calls, _ := conn.snapshot()
	assert.Zero(t, calls, "nothing is submitted before the verdict")
	assert.Len(t, tbl.slots, 1)

	tbl.Flush()
	require.Eventually(t, func() bool {
		_, created := conn.snapshot()
		return len(created) == 1 && len(tbl.slots) == 0
	}, time.Second, time.Millisecond)

	_, created := conn.snapshot()
	ex := created[0]
	assert.Equal(t, uint32(1), ex.Timeout)
	assert.Equal(t, "ssdp", ex.HelpName)
	assert.Equal(t, netip.MustParseAddr("192.168.1.50"), ex.TupleMaster.IP.SourceAddress)
	assert.Equal(t, netip.MustParseAddr("192.168.1.50"), ex.Tuple.IP.SourceAddress)
	assert.Equal(t, netip.MustParseAddr("192.168.1.50"), ex.Tuple.IP.DestinationAddress)
	assert.Equal(t, uint16(40000), ex.Tuple.Proto.DestinationPort)
	assert.Equal(t, netip.MustParseAddr("255.255.255.0"), ex.Mask.IP.SourceAddress)
	assert.Equal(t, netip.MustParseAddr("255.255.255.255"), ex.Mask.IP.DestinationAddress)
	assert.Equal(t, uint16(0), ex.Mask.Proto.SourcePort)
	assert.Equal(t, uint16(0xffff), ex.Mask.Proto.DestinationPort)
	assert.Equal(t, uint64(1), tbl.Stats().Submitted)
}

func TestExpectTableAllocExhausted(t *testing.T) {
	tbl := newExpectTable(&fakeExpectConn{}, 1, quietLogger())

	first, err := tbl.Alloc(queryFlow())
	require.NoError(t, err)

	_, err = tbl.Alloc(queryFlow())
	assert.ErrorIs(t, err, conntrack.ErrExhausted)
	assert.Equal(t, uint64(1), tbl.Stats().Exhausted)

	tbl.Put(first)
	_, err = tbl.Alloc(queryFlow())
	assert.NoError(t, err, "slot is freed by the last Put")
}

func TestExpectTableRetriesUnconfirmedMaster(t *testing.T) {
	conn := &fakeExpectConn{errs: []error{unix.ENOENT, unix.ENOENT}}
	tbl := newExpectTable(conn, 4, quietLogger())
	stop := runTable(t, tbl)
	defer stop()

	build(t, tbl, queryFlow())
	tbl.Flush()

	require.Eventually(t, func() bool {
		_, created := conn.snapshot()
		return len(created) == 1
	}, time.Second, time.Millisecond)
	calls, _ := conn.snapshot()
	assert.Equal(t, 3, calls)
}

func TestExpectTableExistingIsNotFailure(t *testing.T) {
	conn := &fakeExpectConn{errs: []error{unix.EEXIST}}
	tbl := newExpectTable(conn, 4, quietLogger())
	stop := runTable(t, tbl)
	defer stop()

	build(t, tbl, queryFlow())
	tbl.Flush()

	require.Eventually(t, func() bool { return tbl.Stats().Existing == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, tbl.Stats().Failed)
}

func TestExpectTableGivesUp(t *testing.T) {
	conn := &fakeExpectConn{errs: []error{unix.EPERM}}
	tbl := newExpectTable(conn, 4, quietLogger())
	stop := runTable(t, tbl)
	defer stop()

	build(t, tbl, queryFlow())
	tbl.Flush()

	require.Eventually(t, func() bool { return tbl.Stats().Failed == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return len(tbl.slots) == 0 }, time.Second, time.Millisecond)
}

func TestExpectTableStopReleasesStaged(t *testing.T) {
	conn := &fakeExpectConn{}
	tbl := newExpectTable(conn, 4, quietLogger())
	stop := runTable(t, tbl)

	build(t, tbl, queryFlow())
	stop()

	assert.Len(t, tbl.slots, 0)
	assert.True(t, conn.closed)
}

func TestExpectTableRejectsMalformed(t *testing.T) {
	tbl := newExpectTable(&fakeExpectConn{}, 4, quietLogger())

	exp, err := tbl.Alloc(queryFlow())
	require.NoError(t, err)
	defer tbl.Put(exp)

	assert.Error(t, tbl.Related(exp), "tuple and mask are unset")
	assert.Equal(t, int32(1), exp.Refs())
}

func TestTimeoutSeconds(t *testing.T) {
	assert.Equal(t, uint32(1), timeoutSeconds(0))
	assert.Equal(t, uint32(1), timeoutSeconds(300*time.Millisecond))
	assert.Equal(t, uint32(1), timeoutSeconds(time.Second))
	assert.Equal(t, uint32(2), timeoutSeconds(1500*time.Millisecond))
}

func TestExpectTableKernel(t *testing.T) {
	testutil.RequireVM(t)

	tbl, err := NewExpectTable(4, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, tbl.Run(ctx))
}
