package engine

import (
	"github.com/paulschiretz/pgl-volback/pkg/remote"
)

// sshDialer opens real SSH sessions. The remote client serves both the
// command runner and the SFTP downloader over one connection.
type sshDialer struct{}

func (d *sshDialer) Dial(cfg remote.SSHConfig) (Session, error) {
	client, err := remote.Dial(cfg)
	if err != nil {
		return nil, err
	}
	return &sshSession{client: client}, nil
}

type sshSession struct {
	client *remote.Client
}

func (s *sshSession) Runner() remote.Runner         { return s.client }
func (s *sshSession) Downloader() remote.Downloader { return s.client }
func (s *sshSession) Close() error                  { return s.client.Close() }
