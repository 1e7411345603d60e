package redkit

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"time"
)

// ReplicaLink runs the replica side of the handshake in §4.6 and then
// applies the streamed command log to the local store, maintaining
// master_repl_offset as it goes. One ReplicaLink is created at server
// startup when --replicaof is supplied.
type ReplicaLink struct {
	server       *Server
	masterAddr   string
	listenPort   int
	dialTimeout  time.Duration
}

// NewReplicaLink prepares (without starting) a replica connection to
// masterHost:masterPort. listenPort is advertised via REPLCONF
// listening-port during the handshake.
func NewReplicaLink(server *Server, masterHost string, masterPort int, listenPort int) *ReplicaLink {
	return &ReplicaLink{
		server:      server,
		masterAddr:  net.JoinHostPort(masterHost, strconv.Itoa(masterPort)),
		listenPort:  listenPort,
		dialTimeout: 15 * time.Second,
	}
}

// Run performs the handshake and then streams the replicated command
// log until the connection fails or the server shuts down. It is
// meant to be called in its own goroutine; failures are logged and
// terminate the link rather than being retried, matching the
// reference implementation's lack of a reconnect supervisor.
func (rl *ReplicaLink) Run(ctx context.Context) {
	if err := rl.run(ctx); err != nil {
		log.Printf("[redkit] replica link to %s stopped: %v", rl.masterAddr, err)
	}
}

func (rl *ReplicaLink) run(ctx context.Context) error {
	netConn, err := net.DialTimeout("tcp", rl.masterAddr, rl.dialTimeout)
	if err != nil {
		return fmt.Errorf("dial master: %w", err)
	}
	defer netConn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	conn := &Connection{
		conn:   netConn,
		reader: bufio.NewReader(netConn),
		writer: bufio.NewWriter(netConn),
		server: rl.server,
		ctx:    connCtx,
		cancel: cancel,
	}

	if err := rl.handshake(conn); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	return rl.streamLoop(conn)
}

func (rl *ReplicaLink) handshake(conn *Connection) error {
	steps := []struct {
		send   []string
		expect func(RedisValue) error
	}{
		{[]string{"PING"}, expectSimpleString("PONG")},
		{[]string{"REPLCONF", "listening-port", strconv.Itoa(rl.listenPort)}, expectSimpleString("OK")},
		{[]string{"REPLCONF", "capa", "psync2"}, expectSimpleString("OK")},
	}
	for _, step := range steps {
		if err := conn.WriteRaw(EncodeCommandArray(step.send)); err != nil {
			return err
		}
		reply, err := conn.readValue()
		if err != nil {
			return err
		}
		if err := step.expect(reply); err != nil {
			return err
		}
	}

	if err := conn.WriteRaw(EncodeCommandArray([]string{"PSYNC", "?", "-1"})); err != nil {
		return err
	}
	reply, err := conn.readValue()
	if err != nil {
		return err
	}
	if reply.Type != SimpleString || !strings.HasPrefix(reply.Str, "FULLRESYNC") {
		return fmt.Errorf("expected FULLRESYNC, got %+v", reply)
	}
	fields := strings.Fields(reply.Str)
	if len(fields) == 3 {
		rl.server.Repl.mu.Lock()
		rl.server.Repl.ReplID = fields[1]
		rl.server.Repl.mu.Unlock()
	}

	rdb, err := conn.readRdbBulk()
	if err != nil {
		return fmt.Errorf("reading RDB snapshot: %w", err)
	}
	entries, err := DecodeRDB(rdb)
	if err != nil {
		log.Printf("[redkit] replica RDB snapshot did not decode: %v", err)
	} else {
		rl.server.Store.LoadRDB(entries)
	}
	return nil
}

func expectSimpleString(want string) func(RedisValue) error {
	return func(v RedisValue) error {
		if v.Type != SimpleString || v.Str != want {
			return fmt.Errorf("expected +%s, got %+v", want, v)
		}
		return nil
	}
}

// streamLoop consumes commands forwarded by the master and applies
// each to the local store, replying only to REPLCONF GETACK (the one
// command in the replicated stream that expects a response), and
// advancing the offset by the exact byte length of every applied
// command.
func (rl *ReplicaLink) streamLoop(conn *Connection) error {
	for {
		cmd, err := conn.readCommand()
		if err != nil {
			return err
		}

		raw := EncodeCommandArray(append([]string{cmd.Name}, cmd.Args...))

		if strings.EqualFold(cmd.Name, "REPLCONF") && len(cmd.Args) >= 1 && strings.EqualFold(cmd.Args[0], "GETACK") {
			offset := rl.server.Repl.Offset
			ack := RedisValue{Type: Array, Array: []RedisValue{
				{Type: BulkString, Bulk: []byte("REPLCONF")},
				{Type: BulkString, Bulk: []byte("ACK")},
				{Type: BulkString, Bulk: []byte(strconv.FormatInt(offset, 10))},
			}}
			if err := conn.writeValue(ack); err != nil {
				return err
			}
			if err := conn.writer.Flush(); err != nil {
				return err
			}
		} else {
			applyReplicatedCommand(rl.server.Store, cmd)
		}

		rl.server.Repl.mu.Lock()
		rl.server.Repl.Offset += int64(len(raw))
		rl.server.Repl.mu.Unlock()
	}
}

// applyReplicatedCommand executes a write command against the store
// directly, bypassing the registered handler table so that applying
// the replicated stream never re-triggers this server's own
// propagation path.
func applyReplicatedCommand(store *Store, cmd *Command) {
	switch strings.ToUpper(cmd.Name) {
	case "SET":
		if len(cmd.Args) < 2 {
			return
		}
		var expiry time.Time
		if len(cmd.Args) >= 4 && strings.EqualFold(cmd.Args[2], "PX") {
			if ms, err := strconv.ParseInt(cmd.Args[3], 10, 64); err == nil {
				expiry = time.Now().Add(time.Duration(ms) * time.Millisecond)
			}
		}
		store.Set(cmd.Args[0], []byte(cmd.Args[1]), expiry)
	case "DEL":
		for _, k := range cmd.Args {
			store.Del(k)
		}
	case "EXPIRE":
		if len(cmd.Args) < 2 {
			return
		}
		if secs, err := strconv.ParseInt(cmd.Args[1], 10, 64); err == nil {
			store.Expire(cmd.Args[0], time.Duration(secs)*time.Second)
		}
	case "XADD":
		if len(cmd.Args) < 2 {
			return
		}
		store.XAdd(cmd.Args[0], cmd.Args[1], cmd.Args[2:])
	}
}
