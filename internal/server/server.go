// Package server is the SSH front: it accepts TCP connections, applies the
// allow-list and per-address admission cap, performs the SSH handshake and
// routes channel requests into a playback session.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/crypto/ssh"
	"k8s.io/utils/clock"

	"github.com/YuzuZensai/TrollSSH/internal/admission"
	"github.com/YuzuZensai/TrollSSH/internal/assets"
	"github.com/YuzuZensai/TrollSSH/internal/audit"
	"github.com/YuzuZensai/TrollSSH/internal/logutil"
	"github.com/YuzuZensai/TrollSSH/internal/metrics"
	"github.com/YuzuZensai/TrollSSH/internal/resize"
	"github.com/YuzuZensai/TrollSSH/internal/session"
)

const (
	defaultHandshakeTimeout = 30 * time.Second
	defaultMaxPerAddress    = 10
)

// Options wires the server to its collaborators. Auditor and Metrics may be
// nil.
type Options struct {
	Addr             string
	HostKey          ssh.Signer
	Session          session.Config
	HandshakeTimeout time.Duration

	Frames    session.Frames
	Resizer   resize.Resizer
	Banners   *assets.Store
	Admission *admission.Controller
	Sessions  *session.Manager
	Auditor   *audit.Auditor
	Metrics   *metrics.Metrics
	Clock     clock.WithTicker
}

type Server struct {
	opts      Options
	sshConfig *ssh.ServerConfig

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

func New(opts Options) *Server {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	if opts.Resizer == nil {
		opts.Resizer = resize.NewImageResizer()
	}
	if opts.Banners == nil {
		opts.Banners = assets.Static(assets.Banners{})
	}
	if opts.Admission == nil {
		opts.Admission = admission.NewController(defaultMaxPerAddress, nil)
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewManager()
	}

	s := &Server{opts: opts}
	s.sshConfig = &ssh.ServerConfig{
		PasswordCallback: passwordCallback,
		BannerCallback:   s.bannerCallback,
	}
	s.sshConfig.AddHostKey(opts.HostKey)
	return s
}

// passwordCallback accepts any non-empty username and password. Every other
// auth method is refused because no other callback is set.
func passwordCallback(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	if conn.User() == "" || len(password) == 0 {
		return nil, errors.New("username and password required")
	}
	return &ssh.Permissions{}, nil
}

func (s *Server) bannerCallback(conn ssh.ConnMetadata) string {
	if text := s.opts.Banners.Current().PreConnect; text != nil {
		return *text
	}
	return ""
}

// Listen binds the configured address. Serve calls it if needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, then closes every session
// and waits for connection handlers to return.
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	log.Printf("[server] listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var acceptErr error
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil {
				acceptErr = fmt.Errorf("accept: %w", err)
			}
			break
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.opts.Sessions.CloseAll(shutdownCtx); err != nil {
		log.Printf("[server] sessions still open at shutdown: %v", err)
	}
	s.wg.Wait()
	log.Printf("[server] stopped")
	return acceptErr
}

func (s *Server) handleConn(ctx context.Context, netConn net.Conn) {
	addr := admission.HostOf(netConn.RemoteAddr())
	connectedAt := s.opts.Clock.Now()

	if err := s.opts.Admission.CheckAllowed(addr); err != nil {
		log.Printf("[server] %v", err)
		s.opts.Metrics.ConnectionResult(metrics.ResultRejectedIP)
		s.opts.Auditor.Rejected(addr, err.Error())
		netConn.Close()
		return
	}
	if !s.opts.Admission.Admit(addr) {
		s.opts.Metrics.ConnectionResult(metrics.ResultRejectedCap)
		s.opts.Auditor.Rejected(addr, "connection limit reached")
		netConn.Close()
		return
	}
	s.opts.Metrics.ConnectionResult(metrics.ResultAccepted)
	s.opts.Metrics.SessionOpened()

	sess := session.New(session.Options{
		Address: addr,
		Config:  s.opts.Session,
		Frames:  s.opts.Frames,
		Resizer: s.opts.Resizer,
		Banners: s.opts.Banners,
		Conn:    netConn,
		Clock:   s.opts.Clock,
		Metrics: s.opts.Metrics,
		OnClosed: func(*session.Session) {
			s.opts.Admission.Release(addr)
			s.opts.Metrics.SessionClosed()
		},
	})
	s.opts.Sessions.Add(sess)
	go sess.Run(ctx)

	log.Printf("[server] client connected: %s (session %s)", logutil.SanitizeForLog(addr), sess.ID())

	var user string
	defer func() {
		sess.Close()
		<-sess.Done()
		lifetime := s.opts.Clock.Since(connectedAt)
		info := sess.Info()
		s.opts.Auditor.SessionEnded(sess.ID(), addr, user,
			fmt.Sprintf("loops=%d after %s", info.Loops, units.HumanDuration(lifetime)), lifetime)
		log.Printf("[server] client disconnected: %s (session %s, %s)",
			logutil.SanitizeForLog(addr), sess.ID(), units.HumanDuration(lifetime))
	}()

	netConn.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	sconn, chans, reqs, err := ssh.NewServerConn(netConn, s.sshConfig)
	if err != nil {
		log.Printf("[server] handshake with %s failed: %v", logutil.SanitizeForLog(addr), err)
		s.opts.Metrics.ConnectionResult(metrics.ResultHandshakeFailed)
		return
	}
	netConn.SetDeadline(time.Time{})
	defer sconn.Close()
	user = sconn.User()
	log.Printf("[server] client authenticated: %s as %s", logutil.SanitizeForLog(addr), logutil.Client(user))

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			log.Printf("[server] accept channel from %s: %v", logutil.SanitizeForLog(addr), err)
			continue
		}
		go s.handleChannel(sess, user, ch, requests)
	}
}
