// Command relayctl sends one operator request to a relaygate control listener and prints
// the JSON answer.
//
//	relayctl -peer south -peer-key <key> -service temperature poll
//	relayctl -peer south -peer-key <key> -service temperature -consumer dashboard consume
//	relayctl sessions
//	relayctl -session <id> close
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/matst80/relaygate/internal/proto"
)

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: relayctl [flags] consume|poll|sessions|close")
		flag.PrintDefaults()
		os.Exit(2)
	}
	req := proto.ControlRequest{
		Token:         cfg.Token,
		Op:            flag.Arg(0),
		PeerCN:        cfg.PeerCN,
		PeerPublicKey: cfg.PeerPublicKey,
		Service:       cfg.Service,
		Consumer:      cfg.Consumer,
		SessionID:     cfg.SessionID,
	}
	resp, err := call(cfg.ControlAddr, cfg.Timeout, req)
	if err != nil {
		log.Fatalf("control request failed: %v", err)
	}
	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	_ = out.Encode(resp)
	if resp.Error != "" {
		os.Exit(1)
	}
}

func call(addr string, timeout time.Duration, req proto.ControlRequest) (proto.ControlResponse, error) {
	var resp proto.ControlResponse
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return resp, err
	}
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(timeout))
	if err := writeJSONLine(c, req); err != nil {
		return resp, err
	}
	line, err := bufio.NewReader(c).ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return resp, errors.New("gateway closed the connection")
		}
		return resp, err
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return resp, fmt.Errorf("invalid answer: %w", err)
	}
	return resp, nil
}

func writeJSONLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}
