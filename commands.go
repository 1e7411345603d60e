/*
Package redkit implements the Redis-compatible command surface described
by this server: connection commands, string commands with TTLs, key
introspection, the stream engine, and the replication commands used by
the master/replica handshake and WAIT coordination.

Each command has a single registration entry point,
registerDefaultHandlers, which wires a CommandHandlerFunc closure over
the server's Store and ReplicationState for every supported command
name. There is deliberately no per-command register<Name>Handler
wrapper generation here: with one handler per command and no plugin
points beyond RegisterCommandFunc, a name-matched wrapper method would
only rename a single call without adding behavior.
*/
package redkit

import (
	"strconv"
	"strings"
	"time"
)

// CommandType represents the command names this server recognizes.
type CommandType string

const (
	PING     CommandType = "PING"
	ECHO     CommandType = "ECHO"
	QUIT     CommandType = "QUIT"
	HELP     CommandType = "HELP"
	COMMAND  CommandType = "COMMAND"
	DEBUG    CommandType = "DEBUG"
	SET      CommandType = "SET"
	GET      CommandType = "GET"
	DEL      CommandType = "DEL"
	EXISTS   CommandType = "EXISTS"
	EXPIRE   CommandType = "EXPIRE"
	TTL      CommandType = "TTL"
	TYPE     CommandType = "TYPE"
	KEYS     CommandType = "KEYS"
	INFO     CommandType = "INFO"
	CONFIG   CommandType = "CONFIG"
	XADD     CommandType = "XADD"
	XRANGE   CommandType = "XRANGE"
	XREAD    CommandType = "XREAD"
	REPLCONF CommandType = "REPLCONF"
	PSYNC    CommandType = "PSYNC"
	WAIT     CommandType = "WAIT"
)

func errReply(format string) RedisValue {
	return RedisValue{Type: ErrorReply, Str: format}
}

func wrongArgs(name string) RedisValue {
	return errReply("ERR wrong number of arguments for '" + strings.ToLower(name) + "' command")
}

// registerDefaultHandlers wires every command this server supports
// against s.Store and s.Repl. Called once from NewServer.
func (s *Server) registerDefaultHandlers() {
	s.RegisterCommandFunc(string(PING), func(conn *Connection, cmd *Command) RedisValue {
		if len(cmd.Args) == 0 {
			return RedisValue{Type: SimpleString, Str: "PONG"}
		}
		return RedisValue{Type: BulkString, Bulk: []byte(cmd.Args[0])}
	})

	s.RegisterCommandFunc(string(ECHO), func(conn *Connection, cmd *Command) RedisValue {
		if len(cmd.Args) != 1 {
			return wrongArgs("echo")
		}
		return RedisValue{Type: SimpleString, Str: cmd.Args[0]}
	})

	s.RegisterCommandFunc(string(HELP), func(conn *Connection, cmd *Command) RedisValue {
		return RedisValue{Type: BulkString, Bulk: []byte(
			"redkit - supported commands: PING ECHO SET GET DEL EXISTS EXPIRE TTL TYPE KEYS " +
				"COMMAND INFO CONFIG XADD XRANGE XREAD REPLCONF PSYNC WAIT QUIT",
		)}
	})

	s.RegisterCommandFunc(string(QUIT), func(conn *Connection, cmd *Command) RedisValue {
		defer conn.Close()
		return RedisValue{Type: SimpleString, Str: "OK"}
	})

	s.RegisterCommandFunc(string(COMMAND), func(conn *Connection, cmd *Command) RedisValue {
		return RedisValue{Type: SimpleString, Str: "OK"}
	})

	s.RegisterCommandFunc(string(DEBUG), func(conn *Connection, cmd *Command) RedisValue {
		return RedisValue{Type: SimpleString, Str: "OK"}
	})

	s.RegisterCommandFunc(string(SET), s.handleSet)
	s.RegisterCommandFunc(string(GET), s.handleGet)
	s.RegisterCommandFunc(string(DEL), s.handleDel)
	s.RegisterCommandFunc(string(EXISTS), s.handleExists)
	s.RegisterCommandFunc(string(EXPIRE), s.handleExpire)
	s.RegisterCommandFunc(string(TTL), s.handleTTL)
	s.RegisterCommandFunc(string(TYPE), s.handleType)
	s.RegisterCommandFunc(string(KEYS), s.handleKeys)
	s.RegisterCommandFunc(string(INFO), s.handleInfo)
	s.RegisterCommandFunc(string(CONFIG), s.handleConfig)
	s.RegisterCommandFunc(string(XADD), s.handleXAdd)
	s.RegisterCommandFunc(string(XRANGE), s.handleXRange)
	s.RegisterCommandFunc(string(XREAD), s.handleXRead)
	s.RegisterCommandFunc(string(REPLCONF), s.handleReplConf)
	s.RegisterCommandFunc(string(PSYNC), s.handlePSync)
	s.RegisterCommandFunc(string(WAIT), s.handleWait)
}

// propagateRaw re-encodes the client's original argument vector and
// forwards it to every connected follower, advancing the master
// offset. Called by every write command's handler before it replies.
func (s *Server) propagateRaw(cmd *Command) {
	raw := EncodeCommandArray(append([]string{cmd.Name}, cmd.Args...))
	s.Repl.Propagate(raw)
}

func (s *Server) handleSet(conn *Connection, cmd *Command) RedisValue {
	if len(cmd.Args) != 2 && len(cmd.Args) != 4 {
		return wrongArgs("set")
	}
	var expiry time.Time
	if len(cmd.Args) == 4 {
		if !strings.EqualFold(cmd.Args[2], "PX") {
			return errReply("ERR syntax error")
		}
		ms, err := strconv.ParseInt(cmd.Args[3], 10, 64)
		if err != nil {
			return errReply("ERR value is not an integer or out of range")
		}
		expiry = time.Now().Add(time.Duration(ms) * time.Millisecond)
	}
	s.Store.Set(cmd.Args[0], []byte(cmd.Args[1]), expiry)
	s.propagateRaw(cmd)
	return RedisValue{Type: SimpleString, Str: "OK"}
}

func (s *Server) handleGet(conn *Connection, cmd *Command) RedisValue {
	if len(cmd.Args) != 1 {
		return wrongArgs("get")
	}
	if s.Store.TypeOf(cmd.Args[0]) == "stream" {
		return RedisValue{Type: Null}
	}
	value, ok := s.Store.Get(cmd.Args[0])
	if !ok {
		return RedisValue{Type: Null}
	}
	return RedisValue{Type: BulkString, Bulk: value}
}

func (s *Server) handleDel(conn *Connection, cmd *Command) RedisValue {
	if len(cmd.Args) < 1 {
		return wrongArgs("del")
	}
	count := int64(0)
	for _, k := range cmd.Args {
		if s.Store.Del(k) {
			count++
		}
	}
	s.propagateRaw(cmd)
	return RedisValue{Type: Integer, Int: count}
}

func (s *Server) handleExists(conn *Connection, cmd *Command) RedisValue {
	if len(cmd.Args) < 1 {
		return wrongArgs("exists")
	}
	count := int64(0)
	for _, k := range cmd.Args {
		if s.Store.Exists(k) {
			count++
		}
	}
	return RedisValue{Type: Integer, Int: count}
}

func (s *Server) handleExpire(conn *Connection, cmd *Command) RedisValue {
	if len(cmd.Args) != 2 {
		return wrongArgs("expire")
	}
	secs, err := strconv.ParseInt(cmd.Args[1], 10, 64)
	if err != nil {
		return errReply("ERR value is not an integer or out of range")
	}
	ok := s.Store.Expire(cmd.Args[0], time.Duration(secs)*time.Second)
	if ok {
		s.propagateRaw(cmd)
		return RedisValue{Type: Integer, Int: 1}
	}
	return RedisValue{Type: Integer, Int: 0}
}

func (s *Server) handleTTL(conn *Connection, cmd *Command) RedisValue {
	if len(cmd.Args) != 1 {
		return wrongArgs("ttl")
	}
	return RedisValue{Type: Integer, Int: s.Store.TTL(cmd.Args[0])}
}

func (s *Server) handleType(conn *Connection, cmd *Command) RedisValue {
	if len(cmd.Args) != 1 {
		return wrongArgs("type")
	}
	return RedisValue{Type: SimpleString, Str: s.Store.TypeOf(cmd.Args[0])}
}

func (s *Server) handleKeys(conn *Connection, cmd *Command) RedisValue {
	if len(cmd.Args) != 1 {
		return wrongArgs("keys")
	}
	keys := s.Store.Keys(cmd.Args[0])
	out := make([]RedisValue, len(keys))
	for i, k := range keys {
		out[i] = RedisValue{Type: BulkString, Bulk: []byte(k)}
	}
	return RedisValue{Type: Array, Array: out}
}

func (s *Server) handleInfo(conn *Connection, cmd *Command) RedisValue {
	return RedisValue{Type: BulkString, Bulk: []byte(s.Repl.Info())}
}

func (s *Server) handleConfig(conn *Connection, cmd *Command) RedisValue {
	if len(cmd.Args) < 2 || !strings.EqualFold(cmd.Args[0], "GET") {
		return RedisValue{Type: SimpleString, Str: "OK"}
	}
	var value string
	switch strings.ToLower(cmd.Args[1]) {
	case "dir":
		value = s.Dir
	case "dbfilename":
		value = s.DBFilename
	default:
		return RedisValue{Type: Array, Array: []RedisValue{}}
	}
	return RedisValue{Type: Array, Array: []RedisValue{
		{Type: BulkString, Bulk: []byte(cmd.Args[1])},
		{Type: BulkString, Bulk: []byte(value)},
	}}
}

func streamErrorOrGeneric(err error) RedisValue {
	if se, ok := err.(*StreamError); ok {
		return errReply(se.Text)
	}
	return errReply("ERR " + err.Error())
}

func (s *Server) handleXAdd(conn *Connection, cmd *Command) RedisValue {
	if len(cmd.Args) < 4 || len(cmd.Args)%2 != 0 {
		return wrongArgs("xadd")
	}
	key, id := cmd.Args[0], cmd.Args[1]
	id2, err := s.Store.XAdd(key, id, cmd.Args[2:])
	if err != nil {
		return streamErrorOrGeneric(err)
	}
	s.propagateRaw(cmd)
	return RedisValue{Type: SimpleString, Str: id2}
}

func (s *Server) handleXRange(conn *Connection, cmd *Command) RedisValue {
	if len(cmd.Args) != 3 {
		return wrongArgs("xrange")
	}
	result, err := s.Store.XRange(cmd.Args[0], cmd.Args[1], cmd.Args[2])
	if err != nil {
		return streamErrorOrGeneric(err)
	}
	return result
}

func (s *Server) handleXRead(conn *Connection, cmd *Command) RedisValue {
	args := cmd.Args
	var block *time.Duration
	if len(args) >= 2 && strings.EqualFold(args[0], "BLOCK") {
		ms, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return errReply("ERR timeout is not an integer or out of range")
		}
		d := time.Duration(ms) * time.Millisecond
		block = &d
		args = args[2:]
	}
	if len(args) < 3 || !strings.EqualFold(args[0], "STREAMS") {
		return errReply("ERR syntax error")
	}
	args = args[1:]
	if len(args)%2 != 0 {
		return errReply("ERR Unbalanced XREAD list of streams: for each stream key an ID or '$' must be specified.")
	}
	n := len(args) / 2
	keys := args[:n]
	ids := args[n:]

	result, err := s.Store.XRead(keys, ids, block)
	if err != nil {
		return streamErrorOrGeneric(err)
	}
	return result
}

func (s *Server) handleReplConf(conn *Connection, cmd *Command) RedisValue {
	if len(cmd.Args) >= 2 && strings.EqualFold(cmd.Args[0], "GETACK") {
		return RedisValue{Type: Array, Array: []RedisValue{
			{Type: BulkString, Bulk: []byte("REPLCONF")},
			{Type: BulkString, Bulk: []byte("ACK")},
			{Type: BulkString, Bulk: []byte(strconv.FormatInt(s.Repl.Offset, 10))},
		}}
	}
	if len(cmd.Args) >= 2 && strings.EqualFold(cmd.Args[0], "ACK") {
		s.Repl.RecordAck()
		return RedisValue{Type: NoReply}
	}
	return RedisValue{Type: SimpleString, Str: "OK"}
}

// handlePSync registers the connection as a replication follower and
// replies with FULLRESYNC followed by the RDB snapshot, written as
// separate socket frames per §4.7.
func (s *Server) handlePSync(conn *Connection, cmd *Command) RedisValue {
	fullresync := RedisValue{Type: SimpleString, Str: "FULLRESYNC " + s.Repl.ReplID + " " + strconv.FormatInt(s.Repl.Offset, 10)}
	if err := conn.writeValue(fullresync); err != nil {
		return RedisValue{Type: NoReply}
	}
	if err := conn.writer.Flush(); err != nil {
		return RedisValue{Type: NoReply}
	}

	if err := conn.writeValue(RedisValue{Type: RdbBulk, Bulk: s.snapshotBytes()}); err != nil {
		return RedisValue{Type: NoReply}
	}
	if err := conn.writer.Flush(); err != nil {
		return RedisValue{Type: NoReply}
	}

	s.Repl.AddFollower(conn)
	return RedisValue{Type: NoReply}
}

func (s *Server) handleWait(conn *Connection, cmd *Command) RedisValue {
	if len(cmd.Args) != 2 {
		return wrongArgs("wait")
	}
	n, err1 := strconv.Atoi(cmd.Args[0])
	ms, err2 := strconv.Atoi(cmd.Args[1])
	if err1 != nil || err2 != nil {
		return errReply("ERR value is not an integer or out of range")
	}
	acked := s.Repl.Wait(n, ms)
	return RedisValue{Type: Integer, Int: int64(acked)}
}
