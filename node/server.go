package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/client"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/pingcap/errors"
)

type User struct {
	Name     string `toml:"name"`
	Password string `toml:"password"`
}

// Server is a single MySQL server reached over one lazily dialed connection.
type Server struct {
	Addr string

	User     User
	ReplUser User

	connectTimeout time.Duration

	mu   sync.Mutex
	conn *client.Conn
}

func NewServer(addr string, user User, replUser User, connectTimeout time.Duration) *Server {
	return &Server{
		Addr:           addr,
		User:           user,
		ReplUser:       replUser,
		connectTimeout: connectTimeout,
	}
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Execute runs cmd, redialing up to three times on a broken connection. The
// connection carries the deadline of ctx, so a hung server releases the
// server lock when the caller gives up.
func (s *Server) Execute(ctx context.Context, cmd string, args ...interface{}) (r *mysql.Result, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	retryNum := 3
	for i := 0; i < retryNum; i++ {
		if s.conn == nil {
			if s.conn, err = s.dial(ctx); err != nil {
				return nil, errors.Annotatef(err, "connect %s", s.Addr)
			}
		}

		deadline, _ := ctx.Deadline()
		if err = s.conn.SetDeadline(deadline); err != nil {
			s.conn.Close()
			s.conn = nil
			continue
		}

		r, err = s.conn.Execute(cmd, args...)
		if err != nil && ctx.Err() != nil {
			// the connection state is unknown after an interrupted command
			s.conn.Close()
			s.conn = nil
			return nil, errors.Annotatef(err, "execute on %s", s.Addr)
		}
		if mysql.ErrorEqual(err, mysql.ErrBadConn) {
			s.conn.Close()
			s.conn = nil
			continue
		}
		return r, errors.Trace(err)
	}
	return nil, errors.Annotatef(err, "execute on %s", s.Addr)
}

func (s *Server) dial(ctx context.Context) (*client.Conn, error) {
	dialer := &net.Dialer{Timeout: s.connectTimeout}
	return client.ConnectWithDialer(ctx, "", s.Addr, s.User.Name, s.User.Password, "",
		func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			// bounds the handshake too
			if deadline, ok := ctx.Deadline(); ok {
				_ = conn.SetDeadline(deadline)
			}
			return conn, nil
		})
}

func (s *Server) queryString(ctx context.Context, query string, column string) (string, error) {
	r, err := s.Execute(ctx, query)
	if err != nil {
		return "", err
	}
	if r.Resultset == nil || r.RowNumber() == 0 {
		return "", errors.Errorf("%s returned no rows on %s", query, s.Addr)
	}
	v, err := r.GetStringByName(0, column)
	return v, errors.Trace(err)
}

func (s *Server) GTIDMode(ctx context.Context) (string, error) {
	return s.queryString(ctx, "SELECT @@GLOBAL.GTID_MODE AS gtid_mode", "gtid_mode")
}

func (s *Server) ReadOnly(ctx context.Context) (bool, error) {
	r, err := s.Execute(ctx, "SELECT @@GLOBAL.READ_ONLY AS read_only")
	if err != nil {
		return false, err
	}
	v, err := r.GetIntByName(0, "read_only")
	if err != nil {
		return false, errors.Trace(err)
	}
	return v != 0, nil
}

func (s *Server) SetReadOnly(ctx context.Context, on bool) error {
	v := "OFF"
	if on {
		v = "ON"
	}
	_, err := s.Execute(ctx, "SET GLOBAL READ_ONLY = "+v)
	return err
}

func (s *Server) ExecutedGTIDSet(ctx context.Context) (mysql.GTIDSet, error) {
	executed, err := s.queryString(ctx, "SELECT @@GLOBAL.GTID_EXECUTED AS gtid_executed", "gtid_executed")
	if err != nil {
		return nil, err
	}
	set, err := mysql.ParseGTIDSet(mysql.MySQLFlavor, executed)
	return set, errors.Annotatef(err, "parse gtid_executed of %s", s.Addr)
}

func (s *Server) StopSlave(ctx context.Context) error {
	_, err := s.Execute(ctx, "STOP SLAVE")
	return err
}

func (s *Server) StopSlaveIOThread(ctx context.Context) error {
	_, err := s.Execute(ctx, "STOP SLAVE IO_THREAD")
	return err
}

func (s *Server) StartSlave(ctx context.Context) error {
	_, err := s.Execute(ctx, "START SLAVE")
	return err
}

func (s *Server) SlaveStatus(ctx context.Context) (*mysql.Resultset, error) {
	r, err := s.Execute(ctx, "SHOW SLAVE STATUS")
	if err != nil {
		return nil, err
	}
	return r.Resultset, nil
}

// WaitRelayLogDone stops fetching from the source and waits until every
// retrieved transaction is applied. A server that is not a replica returns
// at once.
func (s *Server) WaitRelayLogDone(ctx context.Context) error {
	if err := s.StopSlaveIOThread(ctx); err != nil {
		return err
	}

	r, err := s.SlaveStatus(ctx)
	if err != nil {
		return err
	}
	if r == nil || r.RowNumber() == 0 {
		return nil
	}

	retrieved, _ := r.GetStringByName(0, "Retrieved_Gtid_Set")
	if retrieved == "" {
		return nil
	}

	_, err = s.Execute(ctx, "SELECT WAIT_FOR_EXECUTED_GTID_SET(?)", retrieved)
	return err
}

const changeMasterToWithAuto = `CHANGE MASTER TO
    MASTER_HOST = '%s', MASTER_PORT = %s,
    MASTER_USER = '%s', MASTER_PASSWORD = '%s',
    MASTER_AUTO_POSITION = 1`

// ChangeMasterTo makes the server replicate from addr with GTID auto
// positioning.
func (s *Server) ChangeMasterTo(ctx context.Context, addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return errors.Annotatef(err, "bad source address %q", addr)
	}

	if err = s.StopSlave(ctx); err != nil {
		return err
	}

	if _, err = s.Execute(ctx, fmt.Sprintf(changeMasterToWithAuto,
		host, port, s.ReplUser.Name, s.ReplUser.Password)); err != nil {
		return err
	}

	return s.StartSlave(ctx)
}
