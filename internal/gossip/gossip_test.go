package gossip_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zonemesh/zonemesh/internal/geo"
	"github.com/zonemesh/zonemesh/internal/gossip"
	"github.com/zonemesh/zonemesh/internal/neighbor"
)

func TestSendReceive_AddNeighbour(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	table := neighbor.New("self:9000", 10, nil)
	recv := gossip.NewReceiver(table, nil, nil)

	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		defer conn.Close()
		done <- recv.HandleConn(conn)
	}()

	sender, err := gossip.NewSender(100, 10, nil, nil)
	require.NoError(t, err)

	rec := neighbor.Record{
		PropagateEP: "peer:9001",
		RemovalEP:   "peer:9002",
		Zone:        geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 5, Y: 5}},
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sender.Send(ctx, ln.Addr().String(), gossip.AddNeighbour, rec))

	require.NoError(t, <-done)

	got, ok := table.FindByZone(rec.Zone)
	require.True(t, ok)
	assert.Equal(t, rec.PropagateEP, got.PropagateEP)
}

func TestReceiver_DuplicateMessageDropped(t *testing.T) {
	table := neighbor.New("self:9000", 10, nil)
	recv := gossip.NewReceiver(table, nil, nil)

	rec := neighbor.Record{
		PropagateEP: "peer:9001",
		RemovalEP:   "peer:9002",
		Zone:        geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 5, Y: 5}},
	}

	c1, c2 := net.Pipe()
	go func() {
		sender, _ := gossip.NewSender(100, 10, nil, nil)
		_ = writeDirect(c1, sender, rec)
		c1.Close()
	}()
	require.NoError(t, recv.HandleConn(c2))

	// Sending the identical message again should be silently absorbed: the
	// bloom filter recognizes it as already seen and apply() never runs, so
	// removing the neighbour beforehand lets us tell the two cases apart.
	table.RemoveByPropagateEP(rec.PropagateEP)

	c3, c4 := net.Pipe()
	go func() {
		sender, _ := gossip.NewSender(100, 10, nil, nil)
		_ = writeDirect(c3, sender, rec)
		c3.Close()
	}()
	require.NoError(t, recv.HandleConn(c4))

	_, ok := table.FindByZone(rec.Zone)
	assert.False(t, ok, "duplicate message must not re-apply")
}

func writeDirect(conn net.Conn, sender *gossip.Sender, rec neighbor.Record) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return sender.SendOverConn(ctx, conn, gossip.AddNeighbour, rec)
}

func TestReceiver_UpdateIgnoredWhenUnknown(t *testing.T) {
	table := neighbor.New("self:9000", 10, nil)
	recv := gossip.NewReceiver(table, nil, nil)

	rec := neighbor.Record{
		PropagateEP: "unknown:9001",
		RemovalEP:   "unknown:9002",
		Zone:        geo.Rect{From: geo.Point{X: 0, Y: 0}, To: geo.Point{X: 1, Y: 1}},
	}
	c1, c2 := net.Pipe()
	go func() {
		sender, _ := gossip.NewSender(100, 10, nil, nil)
		_ = sender.SendOverConn(context.Background(), c1, gossip.UpdateNeighbour, rec)
		c1.Close()
	}()
	require.NoError(t, recv.HandleConn(c2))

	assert.Equal(t, 0, table.Len(), "UPDATE for an unknown neighbour must be ignored")
}
