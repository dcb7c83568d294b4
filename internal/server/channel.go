package server

import (
	"golang.org/x/crypto/ssh"

	"github.com/YuzuZensai/TrollSSH/internal/session"
)

// RFC 4254 request payloads.
type ptyRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
	Modes   string
}

type windowChangeRequest struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

type execRequest struct {
	Command string
}

// handleChannel routes one session channel's requests into sess. The channel
// that wins the playback trigger becomes the session's output stream; its
// closure ends the session.
func (s *Server) handleChannel(sess *session.Session, user string, ch ssh.Channel, reqs <-chan *ssh.Request) {
	playing := false

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				reply(req, false)
				continue
			}
			sess.SetGeometry(int(p.Rows), int(p.Columns))
			reply(req, true)

		case "window-change":
			var w windowChangeRequest
			if err := ssh.Unmarshal(req.Payload, &w); err != nil {
				reply(req, false)
				continue
			}
			sess.WindowChange(int(w.Rows), int(w.Columns))
			reply(req, true)

		case "exec":
			var e execRequest
			if err := ssh.Unmarshal(req.Payload, &e); err != nil {
				reply(req, false)
				continue
			}
			r := req
			ok := sess.Start(session.Trigger{
				Command:  e.Command,
				Stream:   ch,
				Accepted: func() { reply(r, true) },
			})
			if !ok {
				reply(req, false)
				continue
			}
			playing = true
			s.opts.Auditor.SessionStarted(sess.ID(), sess.Address(), user)
			s.opts.Auditor.CommandExec(sess.ID(), sess.Address(), user, e.Command)

		case "shell":
			r := req
			ok := sess.Start(session.Trigger{
				Shell:    true,
				Stream:   ch,
				Accepted: func() { reply(r, true) },
			})
			if !ok {
				reply(req, false)
				continue
			}
			playing = true
			s.opts.Auditor.SessionStarted(sess.ID(), sess.Address(), user)

		default:
			reply(req, false)
		}
	}

	if playing {
		sess.StreamClosed()
	} else {
		ch.Close()
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		req.Reply(ok, nil)
	}
}
