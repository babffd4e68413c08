package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	peerrpc "github.com/plexsysio/go-peerrpc"
)

const protocolPrefix = "/peerrpc/"

// Streamer interface provides functionality to open a new stream. libp2p.Host
// implements it.
type Streamer interface {
	NewStream(context.Context, peer.ID, ...protocol.ID) (network.Stream, error)
}

// Libp2pHost is the interface required from libp2p.Host. This is done for mocking
// in the tests.
type Libp2pHost interface {
	SetStreamHandlerMatch(protocol.ID, func(protocol.ID) bool, network.StreamHandler)
}

// ProtocolID returns the libp2p protocol of peerrpc at version.
func ProtocolID(version string) (protocol.ID, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return "", err
	}
	return protocol.ID(protocolPrefix + v.String()), nil
}

// matcher accepts protocols of the same major version whose minor version is
// not newer than local.
func matcher(local *semver.Version) func(protocol.ID) bool {
	return func(check protocol.ID) bool {
		vers, found := strings.CutPrefix(string(check), protocolPrefix)
		if !found {
			return false
		}
		chVers, err := semver.NewVersion(vers)
		if err != nil {
			return false
		}
		return local.Major == chVers.Major && local.Minor >= chVers.Minor
	}
}

// Dial opens a stream to p speaking peerrpc at version and returns a Channel
// over it. The peer address information should be added to the Peerstore of the
// host prior to dialing.
func Dial(ctx context.Context, h Streamer, p peer.ID, version string) (Channel, error) {
	pid, err := ProtocolID(version)
	if err != nil {
		return nil, err
	}

	str, err := h.NewStream(ctx, p, pid)
	if err != nil {
		return nil, fmt.Errorf("failed opening NewStream: %w", err)
	}
	return NewStream(str), nil
}

// Register accepts inbound peerrpc streams on h. Every stream becomes a
// Channel handed to accept together with the remote peer.
func Register(h Libp2pHost, version string, accept func(Channel, peer.ID)) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return err
	}

	h.SetStreamHandlerMatch(protocol.ID(protocolPrefix+v.String()), matcher(v), func(s network.Stream) {
		accept(NewStream(s), s.Conn().RemotePeer())
	})
	return nil
}

// Serve registers h to serve handler on every inbound peerrpc stream. The
// remote peer is available to the handler through GetPeerID.
func Serve(h Libp2pHost, version string, handler peerrpc.Handler, opts ...peerrpc.Option) error {
	return Register(h, version, func(ch Channel, p peer.ID) {
		NewServer(ch, withPeerID(handler, p), opts...)
	})
}

type peerKey struct{}

// GetPeerID returns the peer id of the remote peer from the context.
func GetPeerID(ctx context.Context) (peer.ID, error) {
	p, ok := ctx.Value(peerKey{}).(peer.ID)
	if !ok {
		return "", errors.New("failed to get peer id from context")
	}
	return p, nil
}

// SetPeerID sets the peer id of the remote peer in the context.
func SetPeerID(ctx context.Context, peerID peer.ID) context.Context {
	return context.WithValue(ctx, peerKey{}, peerID)
}

func withPeerID(h peerrpc.Handler, p peer.ID) peerrpc.Handler {
	return peerrpc.HandlerFunc(func(ctx context.Context, req *peerrpc.Request) (*peerrpc.Response, error) {
		return h.ServeRequest(SetPeerID(ctx, p), req)
	})
}
