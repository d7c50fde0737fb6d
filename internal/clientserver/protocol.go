// Package clientserver implements the client-facing listener: the
// classical memcache text protocol, dispatched through
// internal/router, plus the `die` departure trigger and the admin
// /metrics and /ws/status endpoints. Grounded on WebRTCTransport's
// connection-accept loop in kernel/core/mesh/transport/transport.go for
// the per-connection goroutine shape, and on its gorilla/websocket usage
// for the admin status stream.
package clientserver

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/zonemesh/zonemesh/internal/cacheadapter"
	"github.com/zonemesh/zonemesh/internal/router"
)

// Departer lets the protocol handler trigger the departure merge
// handshake when a `die` command arrives, without clientserver needing
// to know about neighbour selection or migration.
type Departer interface {
	Depart(ctx context.Context) (mergedZoneName string, err error)
}

// Server accepts client connections and serves the memcache text
// protocol against router.
type Server struct {
	router   *router.Router
	cache    cacheadapter.Adapter
	departer Departer
	logger   *slog.Logger
}

// New builds a Server. cache is the same Adapter backing router, used
// directly for commands the Router's forwarding layer does not wrap
// (incr/decr, touch, stats, flush_all). gets reports a CAS value of 0.
func New(r *router.Router, cache cacheadapter.Adapter, departer Departer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{router: r, cache: cache, departer: departer, logger: logger.With("component", "clientserver")}
}

// Serve accepts connections on ln until Accept fails.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := readLine(r)
		if err != nil {
			return
		}
		if line == "" {
			continue
		}
		if !s.dispatch(conn, r, line) {
			return
		}
	}
}

// dispatch handles one command line; it returns false when the
// connection should close (quit, die, or an unrecoverable I/O error).
func (s *Server) dispatch(conn net.Conn, r *bufio.Reader, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	verb := fields[0]
	args := fields[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch verb {
	case "get", "gets":
		s.handleGet(ctx, conn, args, verb == "gets")
	case "set", "add", "replace", "append", "prepend":
		s.handleStore(ctx, conn, r, verb, args)
	case "cas":
		s.handleCas(ctx, conn, r, args)
	case "delete":
		s.handleDelete(ctx, conn, args)
	case "incr", "decr":
		s.handleIncrDecr(conn, args, verb == "incr")
	case "touch":
		s.handleTouch(conn, args)
	case "flush_all":
		s.cache.FlushAll()
		writeLine(conn, "OK")
	case "stats":
		s.handleStats(conn)
	case "version":
		writeLine(conn, "VERSION zonemesh-1.0")
	case "quit":
		return false
	case "die":
		s.handleDie(ctx, conn)
		return false
	default:
		writeLine(conn, fmt.Sprintf("ERROR unknown command %q", verb))
	}
	return true
}

func (s *Server) handleGet(ctx context.Context, conn net.Conn, keys []string, withCas bool) {
	for _, key := range keys {
		res, err := s.router.Get(ctx, key)
		if err != nil {
			s.logger.Warn("get failed", "key", key, "error", err)
			continue
		}
		if !res.Found {
			continue
		}
		if withCas {
			writeLine(conn, fmt.Sprintf("VALUE %s %d %d 0", key, res.Entry.Flags, len(res.Entry.Value)))
		} else {
			writeLine(conn, fmt.Sprintf("VALUE %s %d %d", key, res.Entry.Flags, len(res.Entry.Value)))
		}
		conn.Write(res.Entry.Value)
		writeLine(conn, "")
	}
	writeLine(conn, "END")
}

func (s *Server) handleStore(ctx context.Context, conn net.Conn, r *bufio.Reader, verb string, args []string) {
	if len(args) < 4 {
		writeLine(conn, "ERROR")
		return
	}
	key := args[0]
	flags, _ := strconv.ParseUint(args[1], 10, 32)
	exptimeSec, _ := strconv.ParseInt(args[2], 10, 64)
	length, err := strconv.Atoi(args[3])
	if err != nil {
		writeLine(conn, "ERROR")
		return
	}
	value, err := readBody(r, length)
	if err != nil {
		writeLine(conn, "SERVER_ERROR bad data chunk")
		return
	}
	exptime := exptimeToTime(exptimeSec)

	apply := func(a cacheadapter.Adapter) cacheadapter.StoreResult {
		switch verb {
		case "set":
			return a.Set(key, uint32(flags), exptime, value)
		case "add":
			return a.Add(key, uint32(flags), exptime, value)
		case "replace":
			return a.Replace(key, uint32(flags), exptime, value)
		case "append":
			return a.Append(key, value)
		case "prepend":
			return a.Prepend(key, value)
		default:
			return cacheadapter.OtherError
		}
	}

	res, err := s.router.Store(ctx, router.StoreCommand{Key: key, Flags: uint32(flags), Exptime: exptime, Value: value}, apply)
	if err != nil {
		s.logger.Warn("store failed", "key", key, "verb", verb, "error", err)
		writeLine(conn, "SERVER_ERROR "+err.Error())
		return
	}
	writeLine(conn, storeResultToken(res))
}

func (s *Server) handleCas(ctx context.Context, conn net.Conn, r *bufio.Reader, args []string) {
	if len(args) < 5 {
		writeLine(conn, "ERROR")
		return
	}
	key := args[0]
	flags, _ := strconv.ParseUint(args[1], 10, 32)
	exptimeSec, _ := strconv.ParseInt(args[2], 10, 64)
	length, err := strconv.Atoi(args[3])
	if err != nil {
		writeLine(conn, "ERROR")
		return
	}
	casToken, _ := strconv.ParseUint(args[4], 10, 64)
	value, err := readBody(r, length)
	if err != nil {
		writeLine(conn, "SERVER_ERROR bad data chunk")
		return
	}
	exptime := exptimeToTime(exptimeSec)

	apply := func(a cacheadapter.Adapter) cacheadapter.StoreResult {
		res, _ := a.CompareAndSwap(key, uint32(flags), exptime, value, casToken)
		return res
	}
	res, err := s.router.Store(ctx, router.StoreCommand{Key: key, Flags: uint32(flags), Exptime: exptime, Value: value}, apply)
	if err != nil {
		writeLine(conn, "SERVER_ERROR "+err.Error())
		return
	}
	writeLine(conn, storeResultToken(res))
}

func (s *Server) handleDelete(ctx context.Context, conn net.Conn, args []string) {
	if len(args) < 1 {
		writeLine(conn, "ERROR")
		return
	}
	res, err := s.router.Delete(ctx, args[0])
	if err != nil {
		writeLine(conn, "SERVER_ERROR "+err.Error())
		return
	}
	if res == cacheadapter.Deleted {
		writeLine(conn, "DELETED")
	} else {
		writeLine(conn, "NOT_FOUND")
	}
}

func (s *Server) handleIncrDecr(conn net.Conn, args []string, incr bool) {
	if len(args) < 2 {
		writeLine(conn, "ERROR")
		return
	}
	delta, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		writeLine(conn, "CLIENT_ERROR invalid numeric delta argument")
		return
	}
	n, res := s.cache.IncrDecr(args[0], delta, incr)
	if res == cacheadapter.NotFound {
		writeLine(conn, "NOT_FOUND")
		return
	}
	writeLine(conn, strconv.FormatUint(n, 10))
}

func (s *Server) handleTouch(conn net.Conn, args []string) {
	if len(args) < 2 {
		writeLine(conn, "ERROR")
		return
	}
	exptimeSec, _ := strconv.ParseInt(args[1], 10, 64)
	res := s.cache.Touch(args[0], exptimeToTime(exptimeSec))
	if res == cacheadapter.Deleted {
		writeLine(conn, "TOUCHED")
	} else {
		writeLine(conn, "NOT_FOUND")
	}
}

func (s *Server) handleStats(conn net.Conn) {
	writeLine(conn, fmt.Sprintf("STAT curr_items %d", s.cache.Len()))
	writeLine(conn, "END")
}

func (s *Server) handleDie(ctx context.Context, conn net.Conn) {
	mergedZone, err := s.departer.Depart(ctx)
	if err != nil {
		writeLine(conn, "SERVER_ERROR "+err.Error())
		return
	}
	writeLine(conn, fmt.Sprintf("DEPARTED %s", mergedZone))
}

func storeResultToken(res cacheadapter.StoreResult) string {
	switch res {
	case cacheadapter.Stored:
		return "STORED"
	case cacheadapter.NotStored:
		return "NOT_STORED"
	case cacheadapter.Exists:
		return "EXISTS"
	default:
		return "SERVER_ERROR"
	}
}

func exptimeToTime(seconds int64) time.Time {
	if seconds == 0 {
		return time.Time{}
	}
	if seconds < 0 {
		return time.Now().Add(-time.Second)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func readBody(r *bufio.Reader, length int) ([]byte, error) {
	buf := make([]byte, length+2) // +2 for the trailing \r\n
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf[:length], nil
}

func writeLine(conn net.Conn, s string) {
	conn.Write([]byte(s + "\r\n"))
}
