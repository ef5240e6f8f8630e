package bootstrap

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// stubServer is a minimal in-process SSH server accepting a single
// public key and echoing exit-status-0 for every command whose stdin
// is read to completion.
type stubServer struct {
	listener net.Listener
	config   *ssh.ServerConfig
}

func newStubServer(t *testing.T, clientSigner ssh.Signer, hostKey ssh.Signer) *stubServer {
	t.Helper()

	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == string(clientSigner.PublicKey().Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unauthorized key")
		},
	}
	config.AddHostKey(hostKey)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &stubServer{listener: l, config: config}
}

func (s *stubServer) addr() string { return s.listener.Addr().String() }

func (s *stubServer) serveOnce(t *testing.T, fail bool) {
	t.Helper()
	go func() {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		sc, chans, reqs, err := ssh.NewServerConn(conn, s.config)
		if err != nil {
			return
		}
		defer sc.Close()
		go ssh.DiscardRequests(reqs)

		for newChan := range chans {
			if newChan.ChannelType() != "session" {
				_ = newChan.Reject(ssh.UnknownChannelType, "unsupported")
				continue
			}
			channel, requests, err := newChan.Accept()
			if err != nil {
				return
			}
			go func() {
				defer channel.Close()
				for req := range requests {
					if req.WantReply {
						_ = req.Reply(req.Type == "exec", nil)
					}
					if req.Type == "exec" {
						_, _ = io.Copy(io.Discard, channel)
						status := uint32(0)
						if fail {
							status = 1
						}
						payload := make([]byte, 4)
						payload[3] = byte(status)
						_, _ = channel.SendRequest("exit-status", false, payload)
					}
				}
			}()
		}
	}()
}

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return signer
}

func newTestDriver(t *testing.T, clientSigner ssh.Signer) *Driver {
	t.Helper()
	return &Driver{
		user:          "root",
		signer:        clientSigner,
		dialTimeout:   2 * time.Second,
		retryInterval: 50 * time.Millisecond,
		logger:        slog.Default(),
	}
}

func TestDriver_BootstrapSuccess(t *testing.T) {
	clientSigner := newTestSigner(t)
	hostSigner := newTestSigner(t)
	server := newStubServer(t, clientSigner, hostSigner)
	defer server.listener.Close()

	server.serveOnce(t, false)
	server.serveOnce(t, false)

	driver := newTestDriver(t, clientSigner)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var tokenCalls int
	tokens := func(ctx context.Context) (string, error) {
		tokenCalls++
		return "fresh-token", nil
	}

	err := driver.Bootstrap(ctx, server.addr(), []byte("#!/bin/bash\necho setup"), []byte("#!/bin/bash\necho startup"), Env{
		Repository: "octo/repo",
	}, tokens)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	if tokenCalls != 1 {
		t.Errorf("tokenCalls = %d, want 1", tokenCalls)
	}
}

func TestDriver_BootstrapSetupFailurePreventsStartup(t *testing.T) {
	clientSigner := newTestSigner(t)
	hostSigner := newTestSigner(t)
	server := newStubServer(t, clientSigner, hostSigner)
	defer server.listener.Close()

	server.serveOnce(t, true)

	driver := newTestDriver(t, clientSigner)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tokens := func(ctx context.Context) (string, error) {
		t.Fatal("token should not be fetched when setup script fails")
		return "", nil
	}

	err := driver.Bootstrap(ctx, server.addr(), []byte("exit 1"), []byte("echo unreachable"), Env{}, tokens)
	if err == nil {
		t.Fatal("expected error from failing setup script")
	}
	if !strings.Contains(err.Error(), "setup") {
		t.Errorf("error = %v, want it to mention the setup script", err)
	}
}

func TestDriver_DialRetriesUntilContextDone(t *testing.T) {
	clientSigner := newTestSigner(t)
	driver := newTestDriver(t, clientSigner)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := driver.dial(ctx, "127.0.0.1:1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("dial() error = %v, want wrapped context.DeadlineExceeded", err)
	}
}
