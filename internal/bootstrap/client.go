package bootstrap

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/zonemesh/zonemesh/internal/errs"
	"github.com/zonemesh/zonemesh/internal/geo"
	"github.com/zonemesh/zonemesh/internal/wire"
)

// AdditionReply is what a joiner learns from the bootstrap directory.
type AdditionReply struct {
	JoinEP       string
	World        geo.Rect
	IsFirst      bool
	ParentJoinEP string // valid only when !IsFirst
}

// DialAddition connects to the bootstrap directory's ADDITION endpoint
// and runs the joiner side of the addition handshake.
func DialAddition(ctx context.Context, bootstrapAddr string) (AdditionReply, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", bootstrapAddr)
	if err != nil {
		return AdditionReply{}, errs.Protocol(errs.CodeMalformedFrame, "dial bootstrap", err)
	}
	defer conn.Close()

	if err := wire.WriteFrame(conn, "ADDITION"); err != nil {
		return AdditionReply{}, err
	}

	joinEP, err := wire.ReadFrame(conn)
	if err != nil {
		return AdditionReply{}, err
	}
	worldStr, err := wire.ReadFrame(conn)
	if err != nil {
		return AdditionReply{}, err
	}
	world, err := geo.ParseRect(worldStr)
	if err != nil {
		return AdditionReply{}, err
	}
	reply, err := wire.ReadFrame(conn)
	if err != nil {
		return AdditionReply{}, err
	}

	if reply == "FIRST 0" {
		return AdditionReply{JoinEP: joinEP, World: world, IsFirst: true}, nil
	}
	const prefix = "NOTFIRST "
	if !strings.HasPrefix(reply, prefix) {
		return AdditionReply{}, errs.Protocol(errs.CodeMalformedFrame, "unexpected ADDITION reply", nil, "reply", reply)
	}
	return AdditionReply{
		JoinEP:       joinEP,
		World:        world,
		IsFirst:      false,
		ParentJoinEP: strings.TrimPrefix(reply, prefix),
	}, nil
}

// SendUpdate reports a completed split to the bootstrap directory.
func SendUpdate(ctx context.Context, bootstrapAddr string, childZone geo.Rect, childJoinEP string, parentZone geo.Rect, parentJoinEP string) error {
	conn, err := dialWithVerb(ctx, bootstrapAddr, "UPDATE")
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, frame := range []string{childZone.String(), childJoinEP, parentZone.String(), parentJoinEP} {
		if err := wire.WriteFrame(conn, frame); err != nil {
			return err
		}
	}
	return nil
}

// SendDeparture reports a completed merge to the bootstrap directory.
func SendDeparture(ctx context.Context, bootstrapAddr, childJoinEP string, mergedZone geo.Rect, parentJoinEP string) error {
	conn, err := dialWithVerb(ctx, bootstrapAddr, "DEPARTURE")
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, frame := range []string{childJoinEP, mergedZone.String(), parentJoinEP} {
		if err := wire.WriteFrame(conn, frame); err != nil {
			return err
		}
	}
	return nil
}

func dialWithVerb(ctx context.Context, addr, verb string) (net.Conn, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errs.Protocol(errs.CodeMalformedFrame, fmt.Sprintf("dial bootstrap for %s", verb), err)
	}
	if err := wire.WriteFrame(conn, verb); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}
