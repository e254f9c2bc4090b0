// Copyright (c) 2020-2026 The Quinn Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// h3server is a demo server that echoes request bodies back.

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"os"

	"github.com/krircc/quinn/h3"
	"github.com/krircc/quinn/tcp2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	listenAddr string
	certFile   string
	keyFile    string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:   "h3server",
		Short: "echo server speaking HTTP/3 over QUIC",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.Flags().StringVarP(&listenAddr, "listen", "l", "localhost:4433", "address to listen on")
	root.Flags().StringVar(&certFile, "cert", "cert.pem", "TLS certificate file")
	root.Flags().StringVar(&keyFile, "key", "key.pem", "TLS key file")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	logger, err := buildLogger(verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("loading key pair: %w", err)
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h3"},
	}
	listener, err := tcp2.Listen(listenAddr, tlsConf, nil)
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	defer listener.Close()
	logger.Info("listening", zap.String("addr", listener.Addr()))

	server := h3.NewServer(h3.WithServerLogger(logger))
	ctx := context.Background()
	for {
		transport, err := listener.Accept(ctx)
		if err != nil {
			return err
		}
		conn := server.NewConn(transport)
		go conn.Serve(ctx)
		go serveConn(ctx, conn, logger)
	}
}

func serveConn(ctx context.Context, conn *h3.Conn, logger *zap.Logger) {
	for {
		req, err := conn.AcceptRequest(ctx)
		if err != nil {
			logger.Info("connection done", zap.Error(err))
			return
		}
		go handle(ctx, req, logger)
	}
}

// handle echoes the request body, or greets when there is none.
func handle(ctx context.Context, req *h3.RecvRequest, logger *zap.Logger) {
	head, body, sender, err := req.Receive(ctx)
	if err != nil {
		logger.Warn("receive failed", zap.Error(err))
		return
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		logger.Warn("body read failed", zap.Error(err))
		sender.Cancel()
		return
	}
	body.Close()
	if len(payload) == 0 {
		payload = []byte("hello from h3server: " + head.Path + "\n")
	}
	resp := &h3.ResponseHead{
		Status: 200,
		Fields: h3.FieldList{{Name: "content-type", Value: "text/plain"}},
	}
	if _, err := sender.SendResponse(resp, payload); err != nil {
		logger.Warn("send failed", zap.Error(err))
	}
}

func buildLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
