package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/matst80/relaygate/internal/obs"
	"github.com/matst80/relaygate/internal/proto"
)

func acceptControl(ctx context.Context, ln net.Listener, g *gateway, token string) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			obs.Error("accept.control", obs.Fields{"err": err.Error()})
			continue
		}
		go handleControl(ctx, c, g, token)
	}
}

// handleControl serves JSON line requests on one operator connection until it is closed.
func handleControl(ctx context.Context, c net.Conn, g *gateway, token string) {
	defer c.Close()
	rd := bufio.NewReader(c)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) {
				obs.Error("control.conn.read", obs.Fields{"err": err.Error(), "remote": c.RemoteAddr().String()})
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var req proto.ControlRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			obs.ErrorsTotal.WithLabelValues("control_json").Inc()
			_ = writeJSONLine(c, proto.ControlResponse{Error: "invalid request"})
			continue
		}
		if token != "" && req.Token != token {
			obs.Error("control.auth.token", obs.Fields{"remote": c.RemoteAddr().String()})
			obs.ErrorsTotal.WithLabelValues("control_token").Inc()
			_ = writeJSONLine(c, proto.ControlResponse{Error: "unauthorized"})
			return
		}
		if err := writeJSONLine(c, dispatch(ctx, g, req)); err != nil {
			return
		}
	}
}

func dispatch(ctx context.Context, g *gateway, req proto.ControlRequest) proto.ControlResponse {
	obs.Info("control.request", obs.Fields{"op": req.Op, "peer": req.PeerCN, "service": req.Service, "session": req.SessionID})
	var (
		resp proto.ControlResponse
		err  error
	)
	switch req.Op {
	case proto.OpConsume:
		resp, err = g.consume(ctx, req)
	case proto.OpPoll:
		resp.Poll, err = g.poll(ctx, req)
	case proto.OpClose:
		err = g.closeSession(req.SessionID)
	case proto.OpSessions:
		resp.Sessions = g.sessions()
	default:
		resp.Error = "unknown op " + req.Op
	}
	if err != nil {
		obs.Error("control."+req.Op, obs.Fields{"err": err.Error()})
		return proto.ControlResponse{Error: err.Error()}
	}
	return resp
}

func writeJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
