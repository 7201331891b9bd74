package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	engineservice "github.com/sushant-115/minidb/api/engine_service"
	"github.com/sushant-115/minidb/config/certs"
	"github.com/sushant-115/minidb/pkg/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

var (
	serverAddr = flag.String("addr", "127.0.0.1:9999", "Address of the minidb server")
	certDir    = flag.String("certs", "", "Directory holding ca.crt, client.crt and client.key; plaintext when empty")
	execute    = flag.String("e", "", "Run one statement and exit")
)

const helpText = `Statements:
  BEGIN [READ COMMITTED | REPEATABLE READ]
  COMMIT
  ABORT
  PUT <key> <value>
  GET <key>
  DEL <key>
  SCAN <low> <high>
Type 'help' for this message and 'exit' to quit.`

func dial() (*grpc.ClientConn, error) {
	creds := insecure.NewCredentials()
	if *certDir != "" {
		tlsConfig, err := certs.LoadClientTLSConfig(
			filepath.Join(*certDir, certs.CAFile),
			filepath.Join(*certDir, certs.ClientCertFile),
			filepath.Join(*certDir, certs.ClientKeyFile),
		)
		if err != nil {
			return nil, err
		}
		creds = credentials.NewTLS(tlsConfig)
	}
	return grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(creds))
}

// printResult writes a statement's result the way the shell shows it.
func printResult(w io.Writer, res []byte, err error) {
	var remote *transport.RemoteError
	switch {
	case errors.As(err, &remote):
		fmt.Fprintf(w, "ERROR: %s\n", remote.Message)
	case err != nil:
		fmt.Fprintf(w, "ERROR: connection: %v\n", err)
	default:
		fmt.Fprintln(w, string(res))
	}
}

func main() {
	flag.Parse()

	conn, err := dial()
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *serverAddr, err)
	}
	defer conn.Close()

	client, err := engineservice.OpenSession(context.Background(), conn)
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}
	defer client.Close()

	if *execute != "" {
		res, err := client.Execute(*execute)
		printResult(os.Stdout, res, err)
		if err != nil {
			os.Exit(1)
		}
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "minidb> ",
		HistoryFile:     historyFile(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("BEGIN", readline.PcItem("READ COMMITTED"), readline.PcItem("REPEATABLE READ")),
			readline.PcItem("COMMIT"),
			readline.PcItem("ABORT"),
			readline.PcItem("PUT"),
			readline.PcItem("GET"),
			readline.PcItem("DEL"),
			readline.PcItem("SCAN"),
			readline.PcItem("help"),
			readline.PcItem("exit"),
		),
	})
	if err != nil {
		log.Fatalf("Failed to start shell: %v", err)
	}
	defer rl.Close()

	fmt.Printf("Connected to minidb at %s\n", *serverAddr)
	fmt.Println(helpText)
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if err != nil {
			return
		}
		line = strings.TrimSpace(line)
		switch strings.ToLower(line) {
		case "":
			continue
		case "exit", "quit":
			return
		case "help":
			fmt.Println(helpText)
			continue
		}

		res, err := client.Execute(line)
		printResult(rl.Stdout(), res, err)
		var remote *transport.RemoteError
		if err != nil && !errors.As(err, &remote) {
			// The session is gone.
			return
		}
	}
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".minidb_history")
}
