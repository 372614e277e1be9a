package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"liveboard.io/liveboard/collab"
)

const CollabCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Liveboard room control.

Snapshots are kept in memory unless --pg_dsn or --redis_url is given.

Usage:
    collabctl serve [--port=<port>]
        [--pg_dsn=<pg_dsn>]
        [--redis_url=<redis_url>]
    collabctl watch --url=<url> --room=<room_id>
        [--jwt=<jwt>]
    collabctl put --url=<url> --room=<room_id>
        --text=<text>
        [--x=<x>] [--y=<y>]
        [--jwt=<jwt>]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --port=<port>            Listen port [default: 8080].
    --pg_dsn=<pg_dsn>        Postgres snapshot store DSN.
    --redis_url=<redis_url>  Redis snapshot store url.
    --url=<url>              Room websocket url, e.g. ws://localhost:8080/room.
    --room=<room_id>         Room id.
    --jwt=<jwt>              Your platform JWT.
    --text=<text>            Text box content.
    --x=<x>                  Text box x [default: 0].
    --y=<y>                  Text box y [default: 0].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if put_, _ := opts.Bool("put"); put_ {
		put(opts)
	}
}

// run a room server
func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var snapshots collab.SnapshotStore
	if pgDsn, err := opts.String("--pg_dsn"); err == nil && pgDsn != "" {
		pgSnapshots, err := collab.NewPgSnapshotStore(cancelCtx, pgDsn)
		if err != nil {
			Err.Printf("Could not open postgres snapshot store (%s).\n", err)
			os.Exit(1)
		}
		defer pgSnapshots.Close()
		snapshots = pgSnapshots
	} else if redisUrl, err := opts.String("--redis_url"); err == nil && redisUrl != "" {
		redisSnapshots, err := collab.NewRedisSnapshotStore(cancelCtx, redisUrl)
		if err != nil {
			Err.Printf("Could not open redis snapshot store (%s).\n", err)
			os.Exit(1)
		}
		defer redisSnapshots.Close()
		snapshots = redisSnapshots
	} else {
		snapshots = collab.NewMemorySnapshotStore()
	}

	server := collab.NewServerWithDefaults(cancelCtx, snapshots)
	defer server.Close()

	mux := http.NewServeMux()
	mux.Handle("/room", server)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	Out.Printf("Listening on :%d\n", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		Err.Printf("Serve error (%s).\n", err)
		os.Exit(1)
	}
}

// join a room and print document and peer events
func watch(opts docopt.Opts) {
	url, _ := opts.String("--url")
	roomId, _ := opts.String("--room")
	jwt, _ := opts.String("--jwt")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := collab.NewWsDialerWithDefaults(url)
	connection := collab.NewConnectionWithDefaults(cancelCtx, dialer, roomId, jwt, nil)
	defer connection.Close()

	if !connection.WaitForConnect(30 * time.Second) {
		Err.Printf("Could not join room %s (timeout).\n", roomId)
		os.Exit(1)
	}
	Out.Printf("Joined %s as %s (%s).\n", roomId, connection.Label(), connection.ConnectionId())

	doc := connection.Document()
	for _, textBox := range doc.TextBoxes {
		Out.Printf("textbox %s (%.0f,%.0f) %q\n", textBox.Id, textBox.X, textBox.Y, textBox.Text)
	}
	for _, comment := range doc.Comments {
		Out.Printf("comment %s on %s %q\n", comment.Id, comment.TextBoxId, comment.Text)
	}

	removeChangeCallback := connection.AddChangeCallback(func(op *collab.Operation) {
		if op == nil {
			Out.Printf("snapshot reset\n")
			return
		}
		Out.Printf("%s\n", op)
	})
	defer removeChangeCallback()

	removePeerCallback := connection.AddPeerCallback(func(event collab.PeerEvent, peer *collab.PeerState) {
		switch event {
		case collab.PeerEventJoined:
			Out.Printf("peer joined %s (%s)\n", peer.ConnectionId, peer.Label)
		case collab.PeerEventLeft:
			Out.Printf("peer left %s\n", peer.ConnectionId)
		}
	})
	defer removePeerCallback()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

// create a text box and wait for the room to sequence it
func put(opts docopt.Opts) {
	url, _ := opts.String("--url")
	roomId, _ := opts.String("--room")
	jwt, _ := opts.String("--jwt")
	text, _ := opts.String("--text")
	x, _ := opts.Float64("--x")
	y, _ := opts.Float64("--y")

	timeout := 30 * time.Second

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := collab.NewWsDialerWithDefaults(url)
	connection := collab.NewConnectionWithDefaults(cancelCtx, dialer, roomId, jwt, nil)
	defer connection.Close()

	if !connection.WaitForConnect(timeout) {
		Err.Printf("Could not join room %s (timeout).\n", roomId)
		os.Exit(1)
	}

	ack := make(chan error, 1)
	textBoxId, err := connection.CreateTextBox(
		&collab.TextBox{
			X:        x,
			Y:        y,
			Width:    200,
			Height:   50,
			Text:     text,
			FontSize: 14,
		},
		func(err error) {
			ack <- err
		},
	)
	if err != nil {
		Err.Printf("Could not create text box (%s).\n", err)
		os.Exit(1)
	}

	select {
	case err := <-ack:
		if err == nil {
			Out.Printf("Text box %s acked.\n", textBoxId)
		} else {
			Err.Printf("Text box not acked (%s).\n", err)
			os.Exit(1)
		}
	case <-time.After(timeout):
		Err.Printf("Text box not acked (timeout).\n")
		os.Exit(1)
	}
}
