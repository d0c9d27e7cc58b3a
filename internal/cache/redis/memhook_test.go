package redis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
)

// memHook answers the string, publish and script commands used by the
// breaker store, the signal bus and the lock manager from an in-memory map, so no server is dialled.
type memHook struct {
	mu      sync.Mutex
	data    map[string]string
	scripts map[string]func(keys, argv []string) any
	pubs    map[string][]string
}

func newMemHook() *memHook {
	return &memHook{
		data:    make(map[string]string),
		scripts: make(map[string]func(keys, argv []string) any),
		pubs:    make(map[string][]string),
	}
}

// newHookedClient returns a Client whose commands never leave the process.
func newHookedClient(t *testing.T, prefix string) (*Client, *memHook) {
	t.Helper()
	h := newMemHook()
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"})
	rdb.AddHook(h)
	t.Cleanup(func() { _ = rdb.Close() })
	return &Client{rdb: rdb, prefix: prefix}, h
}

func (h *memHook) get(key string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.data[key]
	return v, ok
}

func (h *memHook) put(key, val string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.data[key] = val
}

func (h *memHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return nil, fmt.Errorf("memhook: dial %s refused", addr)
	}
}

func (h *memHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func (h *memHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		args := make([]string, len(cmd.Args()))
		for i, a := range cmd.Args() {
			switch v := a.(type) {
			case string:
				args[i] = v
			case []byte:
				args[i] = string(v)
			default:
				args[i] = fmt.Sprint(v)
			}
		}

		h.mu.Lock()
		defer h.mu.Unlock()
		err := h.apply(cmd, args)
		if err != nil {
			cmd.SetErr(err)
		}
		return err
	}
}

// apply runs one command against data; the caller holds mu.
func (h *memHook) apply(cmd redis.Cmder, args []string) error {
	name := strings.ToLower(args[0])

	switch name {
	case "get":
		v, ok := h.data[args[1]]
		if !ok {
			return redis.Nil
		}
		cmd.(*redis.StringCmd).SetVal(v)
	case "set", "setnx":
		nx := name == "setnx"
		for _, a := range args[3:] {
			nx = nx || strings.EqualFold(a, "nx")
		}
		_, exists := h.data[args[1]]
		if nx && exists {
			if c, ok := cmd.(*redis.BoolCmd); ok {
				c.SetVal(false)
				return nil
			}
			return redis.Nil
		}
		h.data[args[1]] = args[2]
		switch c := cmd.(type) {
		case *redis.BoolCmd:
			c.SetVal(true)
		case *redis.StatusCmd:
			c.SetVal("OK")
		}
	case "del":
		var n int64
		for _, k := range args[1:] {
			if _, ok := h.data[k]; ok {
				delete(h.data, k)
				n++
			}
		}
		cmd.(*redis.IntCmd).SetVal(n)
	case "publish":
		h.pubs[args[1]] = append(h.pubs[args[1]], args[2])
		cmd.(*redis.IntCmd).SetVal(0)
	case "evalsha", "eval":
		run, ok := h.scripts[args[1]]
		if !ok {
			return fmt.Errorf("NOSCRIPT no matching script")
		}
		numKeys, err := strconv.Atoi(args[2])
		if err != nil {
			return err
		}
		cmd.(*redis.Cmd).SetVal(run(args[3:3+numKeys], args[3+numKeys:]))
	default:
		return fmt.Errorf("memhook: unsupported command %q", name)
	}
	return nil
}
