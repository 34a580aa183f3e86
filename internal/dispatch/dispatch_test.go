package dispatch_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kserverd/kserver/internal/dispatch"
	"github.com/kserverd/kserver/internal/handle"
	"github.com/kserverd/kserver/internal/server"
	"github.com/kserverd/kserver/internal/status"
	"github.com/kserverd/kserver/internal/wire"
)

func newClient() *server.Client {
	return &server.Client{Handles: handle.New()}
}

func TestPingEchoesPayload(t *testing.T) {
	table := dispatch.New(zap.NewNop())
	reply := table.Dispatch(newClient(), &wire.Request{Code: dispatch.OpPing, Payload: []byte("hi")})
	require.Equal(t, uint32(status.OK), reply.Status)
	require.Equal(t, []byte("hi"), reply.Payload)
}

func TestUnknownOpcodeReturnsInvalidParameter(t *testing.T) {
	table := dispatch.New(zap.NewNop())
	reply := table.Dispatch(newClient(), &wire.Request{Code: 0xffff})
	require.Equal(t, uint32(status.InvalidParameter), reply.Status)
}

func TestCloseHandleRejectsShortPayload(t *testing.T) {
	table := dispatch.New(zap.NewNop())
	reply := table.Dispatch(newClient(), &wire.Request{Code: dispatch.OpCloseHandle, Payload: []byte{1}})
	require.Equal(t, uint32(status.InvalidParameter), reply.Status)
}

func TestCloseHandleUnknownHandleReturnsInvalidHandle(t *testing.T) {
	table := dispatch.New(zap.NewNop())
	payload := []byte{0xff, 0xff, 0xff, 0xff}
	reply := table.Dispatch(newClient(), &wire.Request{Code: dispatch.OpCloseHandle, Payload: payload})
	require.Equal(t, uint32(status.InvalidHandle), reply.Status)
}
