package smtrace_test

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/gordian-engine/sharedmap/internal/smtrace"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{}

func (fakeConn) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4433}
}

func TestNewTracer_nilProviderIsNoop(t *testing.T) {
	t.Parallel()

	tr := smtrace.NewTracer(nil)
	_, span := tr.Start(
		context.Background(),
		"test span",
		smtrace.WithAttributes(
			smtrace.SharedDataKeyAttr("experiments"),
			smtrace.RemoteAddrAttr(fakeConn{}),
			smtrace.IntAttr("n", 1),
		),
	)
	smtrace.SpanError(span, errors.New("boom"))
	span.End()

	require.False(t, span.IsRecording())
}

func TestRemoteAddrAttr(t *testing.T) {
	t.Parallel()

	a := smtrace.RemoteAddrAttr(fakeConn{})
	require.Equal(t, "remote", string(a.Key))
	require.Equal(t, "127.0.0.1:4433", a.Value.Emit())
}
