package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/minichat/minichat/api"
	"github.com/minichat/minichat/auth"
	"github.com/minichat/minichat/envelope"
	"github.com/minichat/minichat/presence"
	"github.com/minichat/minichat/store"
	"github.com/minichat/minichat/view"
	"github.com/minichat/minichat/ws"
)

// MINICHAT_KEY holds the at-rest encryption key as a 64-char hex
// string. Losing or rotating it makes old messages undecryptable; they
// render as a redacted placeholder, never as an error.
const keyEnv = "MINICHAT_KEY"

var (
	flagAddr     = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile  = flag.String("pid-file", "minichat.pid", "pid file")
	flagEnvFile  = flag.String("env-file", ".env", "env file to load, optional")
	flagMysqlDsn = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/minichat?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn")

	flagInitSchema = flag.Bool("init-schema", true, "create tables if they do not exist")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")

	flagDevTokens = flag.String("dev-tokens", "", "comma separated dev credentials, each token:uid:username:name")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	if err := godotenv.Load(*flagEnvFile); err != nil && !os.IsNotExist(err) {
		return errorf("--env-file: error load `%s`: %v", *flagEnvFile, err)
	}

	key, err := envelope.KeyFromHex(os.Getenv(keyEnv))
	if err != nil {
		return errorf("%s: %v", keyEnv, err)
	}
	codec, err := envelope.NewCodec(key)
	if err != nil {
		return errorf("%s: %v", keyEnv, err)
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	db, err := sql.Open("mysql", *flagMysqlDsn)
	if err != nil {
		return errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
	}

	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(1)

	glog.Info("minichat server is starting")

	convStore := store.NewConvStore(db)
	if *flagInitSchema {
		if err := convStore.EnsureSchema(context.Background()); err != nil {
			return errorf("init schema: %v", err)
		}
	}

	authClient, err := newAuthClient()
	if err != nil {
		return errorf("--dev-tokens: %v", err)
	}

	registry := presence.NewRegistry()
	viewSvc := view.NewService(convStore, codec, registry)
	hub := ws.NewHub(authClient, convStore, codec, registry, viewSvc)

	mux := api.NewRouter(authClient, convStore, codec, viewSvc, hub.Delivery(), hub)
	mux.Handle("/ws", hub)
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}

	srv := &http.Server{Addr: *flagAddr, Handler: mux}
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- srv.ListenAndServe()
	}()

	glog.Infof("minichat server is listening on %s", *flagAddr)
	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for {
		select {
		case err := <-serveErrCh:
			if stopping {
				glog.Info("minichat server exited")
				return 0
			}
			return errorf("serve error: %v", err)
		case sig := <-sigCh:
			switch sig {
			case syscall.SIGUSR1:
				if prof != nil {
					prof.dumpGoroutines()
				}
			case syscall.SIGUSR2:
				if prof == nil {
					prof = StartProfiler(pprofDir)
				} else {
					prof.Stop()
					prof = nil
				}
			case syscall.SIGTERM, syscall.SIGINT:
				if stopping {
					glog.Infof("minichat server is already in stop")
					continue
				}
				stopping = true
				glog.Infof("received signal `%s`, stopping", sig.String())
				go func() {
					if prof != nil {
						prof.Stop()
					}
					hub.Stop()
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					_ = srv.Shutdown(ctx)
					_ = db.Close()
					signal.Stop(sigCh)
				}()
			}
		}
	}
}

// newAuthClient builds the identity client. Until the production
// identity API is hooked in this is a mock seeded from --dev-tokens.
// TODO: hook into production auth API.
func newAuthClient() (auth.Client, error) {
	c := auth.NewMockClient()
	if *flagDevTokens == "" {
		return c, nil
	}
	for _, entry := range strings.Split(*flagDevTokens, ",") {
		parts := strings.SplitN(entry, ":", 4)
		if len(parts) != 4 {
			return nil, fmt.Errorf("bad entry `%s`, want token:uid:username:name", entry)
		}
		uid, err := strconv.ParseInt(parts[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("bad uid in `%s`: %v", entry, err)
		}
		c.Grant(parts[0], &auth.Identity{Uid: int32(uid), Username: parts[2], Name: parts[3]})
	}
	return c, nil
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}
	if *flagMysqlDsn == "" {
		return errorf("--mysql-dsn is required.")
	}
	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			} else {
				glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
