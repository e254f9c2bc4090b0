// Copyright (c) 2020-2026 The Quinn Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// h3client is a demo client that performs one request and prints the
// response.

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/krircc/quinn/h3"
	"github.com/krircc/quinn/tcp2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	targetAddr string
	method     string
	path       string
	data       string
	insecure   bool
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "h3client",
		Short: "one-shot HTTP/3 request over QUIC",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.Flags().StringVarP(&targetAddr, "addr", "a", "localhost:4433", "server address")
	root.Flags().StringVarP(&method, "method", "X", "GET", "request method")
	root.Flags().StringVarP(&path, "path", "p", "/", "request path")
	root.Flags().StringVarP(&data, "data", "d", "", "request body")
	root.Flags().BoolVarP(&insecure, "insecure", "k", false, "skip certificate verification")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	logger := zap.NewNop()
	if verbose {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer logger.Sync()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tlsConf := &tls.Config{
		InsecureSkipVerify: insecure,
		NextProtos:         []string{"h3"},
	}
	transport, err := tcp2.Dial(ctx, targetAddr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("dialing: %w", err)
	}
	client := h3.NewClient(h3.WithClientLogger(logger))
	conn := client.NewConn(transport)
	go conn.Serve(ctx)
	defer conn.Close()

	var body []byte
	if method == "GET" && data == "" {
		body = []byte{} // no body, close immediately
	} else {
		body = []byte(data)
	}
	req := &h3.RequestHead{
		Method:    method,
		Scheme:    "https",
		Authority: targetAddr,
		Path:      path,
	}
	resp, _, err := conn.SendRequest(ctx, req, body)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	head, reader, err := resp.Receive(ctx)
	if err != nil {
		return fmt.Errorf("receiving response: %w", err)
	}
	fmt.Printf("%d\n", head.Status)
	for _, f := range head.Fields {
		fmt.Printf("%s: %s\n", f.Name, f.Value)
	}
	fmt.Println()
	if _, err := io.Copy(os.Stdout, reader); err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if trailers, err := reader.Trailers(ctx); err == nil && len(trailers) > 0 {
		fmt.Println()
		for _, f := range trailers {
			fmt.Printf("%s: %s\n", f.Name, f.Value)
		}
	}
	return reader.Close()
}
