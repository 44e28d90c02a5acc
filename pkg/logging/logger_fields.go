package logging

import (
	"fmt"
	"time"
)

// Common field constructors
func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Uint64(key string, value uint64) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

func Component(name string) Field {
	return String("component", name)
}

func Latency(d time.Duration) Field {
	return Duration("latency", d)
}

func Count(n int) Field {
	return Int("count", n)
}

// Sync domain fields

func Session(id string) Field {
	return String("session", id)
}

func Graph(name string) Field {
	return String("graph", name)
}

func Instance(id string) Field {
	return String("instance", id)
}

func Peer(addr string) Field {
	return String("peer", addr)
}

func Strategy(s string) Field {
	return String("strategy", s)
}

// Entity logs an entity reference such as "node/42"
func Entity(ref fmt.Stringer) Field {
	return String("entity", ref.String())
}

// Clock logs a vector clock in its compact form
func Clock(key string, c fmt.Stringer) Field {
	return String(key, c.String())
}
