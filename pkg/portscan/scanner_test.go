package portscan

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/kvesta/vigil/internal/logger"
	"github.com/kvesta/vigil/pkg/model"
	"github.com/kvesta/vigil/pkg/severity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	logger.Discard()
}

func allowAll(net.IP) error { return nil }

type countingDialer struct {
	calls int32
}

func (d *countingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	atomic.AddInt32(&d.calls, 1)
	return nil, refused()
}

func refused() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
}

type fakeResolver struct {
	addrs []net.IPAddr
	err   error
}

func (r fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	return r.addrs, r.err
}

func TestForbiddenTargets(t *testing.T) {
	tests := []struct {
		name string
		host string
	}{
		{name: "loopback", host: "127.0.0.1"},
		{name: "loopbackV6", host: "::1"},
		{name: "localhost", host: "localhost"},
		{name: "linkLocal", host: "169.254.10.1"},
		{name: "unspecified", host: "0.0.0.0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &countingDialer{}
			s := New()
			s.Dialer = d

			start := time.Now()
			res, err := s.ScanHost(context.Background(), tt.host, QuickPorts, time.Second, 4)

			require.Error(t, err)
			assert.Nil(t, res)
			assert.True(t, errors.Is(err, model.ErrForbidden), "got %v", err)
			assert.Equal(t, model.ForbiddenTargetError, model.KindOf(err))
			assert.EqualValues(t, 0, atomic.LoadInt32(&d.calls))
			assert.Less(t, time.Since(start), 100*time.Millisecond)
		})
	}
}

func TestResolvedToForbidden(t *testing.T) {
	d := &countingDialer{}
	s := New()
	s.Dialer = d
	s.Resolver = fakeResolver{addrs: []net.IPAddr{{IP: net.ParseIP("127.0.0.2")}}}

	_, err := s.ScanHost(context.Background(), "sneaky.example", []int{80}, time.Second, 1)
	assert.Equal(t, model.ForbiddenTargetError, model.KindOf(err))
	assert.EqualValues(t, 0, atomic.LoadInt32(&d.calls))
}

func TestResolutionError(t *testing.T) {
	s := New()
	s.Dialer = &countingDialer{}
	s.Resolver = fakeResolver{err: errors.New("no such host")}

	_, err := s.ScanHost(context.Background(), "nowhere.invalid", []int{80}, time.Second, 1)
	assert.True(t, errors.Is(err, model.ErrResolution))
}

func TestClosedPortWithinTimeout(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	s := New()
	s.Policy = allowAll

	timeout := 500 * time.Millisecond
	start := time.Now()
	res, err := s.ScanHost(context.Background(), "127.0.0.1", []int{port}, timeout, 1)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), timeout+250*time.Millisecond)
	require.Len(t, res.Ports, 1)
	assert.Equal(t, Closed, res.Ports[0].Status)
	assert.Empty(t, res.Findings)
}

func TestOpenPortBanner(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_, _ = conn.Write([]byte("SSH-2.0-OpenSSH_9.6\r\n"))
			conn.Close()
		}
	}()

	port := l.Addr().(*net.TCPAddr).Port

	s := New()
	s.Policy = allowAll
	s.BannerGrace = 500 * time.Millisecond

	res, err := s.ScanHost(context.Background(), "127.0.0.1", []int{port}, time.Second, 1)
	require.NoError(t, err)
	require.Len(t, res.Ports, 1)
	assert.Equal(t, Open, res.Ports[0].Status)
	assert.Equal(t, "SSH-2.0-OpenSSH_9.6", res.Ports[0].Banner)
}

// routedDialer sends selected ports to a real listener and refuses the rest.
type routedDialer struct {
	routes map[string]string
	inner  net.Dialer
}

func (d *routedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	_, port, _ := net.SplitHostPort(address)
	if target, ok := d.routes[port]; ok {
		return d.inner.DialContext(ctx, network, target)
	}
	return nil, refused()
}

func TestRiskyPortFinding(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			_, _ = conn.Write([]byte("Ubuntu login: "))
			conn.Close()
		}
	}()

	s := New()
	s.Resolver = fakeResolver{addrs: []net.IPAddr{{IP: net.ParseIP("203.0.113.7")}}}
	s.Dialer = &routedDialer{routes: map[string]string{"23": l.Addr().String()}}
	s.BannerGrace = 300 * time.Millisecond

	res, err := s.ScanHost(context.Background(), "legacy.example", []int{22, 23, 80}, time.Second, 2)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", res.Address)

	open := res.Open()
	require.Len(t, open, 1)
	assert.Equal(t, 23, open[0].Port)
	assert.Equal(t, "telnet", open[0].Service)

	require.Len(t, res.Findings, 1)
	f := res.Findings[0]
	assert.Equal(t, severity.Critical, f.Severity)
	assert.Equal(t, model.SourceNetwork, f.Source)
	assert.Equal(t, "host:legacy.example", f.AssetID)
	assert.Contains(t, f.Description, "Ubuntu login:")
}

type slowDialer struct {
	mu       sync.Mutex
	inflight int
	peak     int
	calls    int
	delay    time.Duration
}

func (d *slowDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.calls++
	d.inflight++
	if d.inflight > d.peak {
		d.peak = d.inflight
	}
	d.mu.Unlock()

	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
	}

	d.mu.Lock()
	d.inflight--
	d.mu.Unlock()

	return nil, context.DeadlineExceeded
}

func TestConcurrencyBound(t *testing.T) {
	d := &slowDialer{delay: 20 * time.Millisecond}
	s := New()
	s.Dialer = d
	s.Resolver = fakeResolver{addrs: []net.IPAddr{{IP: net.ParseIP("198.51.100.1")}}}

	ports := Range(1, 50)
	res, err := s.ScanHost(context.Background(), "busy.example", ports, time.Second, 8)
	require.NoError(t, err)

	assert.Equal(t, 50, d.calls)
	assert.LessOrEqual(t, d.peak, 8)
	for _, p := range res.Ports {
		assert.Equal(t, Filtered, p.Status, "port %d", p.Port)
	}
}

func TestUnresponsivePortIsFiltered(t *testing.T) {
	d := &slowDialer{delay: time.Hour}
	s := New()
	s.Dialer = d
	s.Resolver = fakeResolver{addrs: []net.IPAddr{{IP: net.ParseIP("198.51.100.2")}}}

	start := time.Now()
	res, err := s.ScanHost(context.Background(), "blackhole.example", []int{80, 443}, 100*time.Millisecond, 2)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, Filtered, res.Ports[0].Status)
	assert.Equal(t, Filtered, res.Ports[1].Status)
}

func TestCancelStopsWaves(t *testing.T) {
	d := &slowDialer{delay: 50 * time.Millisecond}
	s := New()
	s.Dialer = d
	s.Resolver = fakeResolver{addrs: []net.IPAddr{{IP: net.ParseIP("198.51.100.3")}}}

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	_, err := s.ScanHost(ctx, "slow.example", Range(1, 100), time.Second, 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, d.calls, 100)
}

func TestPresets(t *testing.T) {
	q := Quick(time.Second, 24)
	assert.Len(t, q.Ports, 24)

	f := Full(2*time.Second, 100)
	assert.Len(t, f.Ports, 1024)
	assert.Equal(t, 1, f.Ports[0])
	assert.Equal(t, 1024, f.Ports[1023])

	c, err := Custom([]int{443, 80, 443}, time.Second, 5)
	require.NoError(t, err)
	assert.Equal(t, []int{80, 443}, c.Ports)

	_, err = Custom([]int{0}, time.Second, 5)
	assert.Error(t, err)
}

func TestParsePorts(t *testing.T) {
	tests := []struct {
		name    string
		list    string
		want    []int
		wantErr bool
	}{
		{name: "list", list: "22,80", want: []int{22, 80}},
		{name: "range", list: "8000-8002,22", want: []int{22, 8000, 8001, 8002}},
		{name: "spaces", list: " 443 , 80 ", want: []int{80, 443}},
		{name: "badRange", list: "90-80", wantErr: true},
		{name: "notNumber", list: "http", wantErr: true},
		{name: "outOfRange", list: "70000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePorts(tt.list)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Closed, classify(refused()))
	assert.Equal(t, Filtered, classify(context.DeadlineExceeded))
	assert.Equal(t, Filtered, classify(errors.New("no route to host")))
}
