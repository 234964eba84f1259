package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/docmesh/docsync/docsync"
)

const DocsyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Docsync control.

Usage:
    docsyncctl exec --db=<db> <statement> [--param=<param>...]
    docsyncctl serve --db=<db> --listen=<listen>
    docsyncctl join --db=<db> --url=<url> --collection=<collection>
        [--predicate=<predicate>]
        [--listen=<listen>]
    docsyncctl watch --db=<db> <statement> [--param=<param>...]

Options:
    -h --help                  Show this screen.
    --version                  Show version.
    --db=<db>                  Node database path.
    --listen=<listen>          Listen address, e.g. :7301.
    --url=<url>                Peer websocket url, e.g. ws://host:7301/.
    --collection=<collection>  Collection to subscribe to.
    --predicate=<predicate>    Subscription predicate text.
    --param=<param>            Statement parameter as name=value.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DocsyncCtlVersion)
	if err != nil {
		panic(err)
	}

	if exec_, _ := opts.Bool("exec"); exec_ {
		execStatement(opts)
	} else if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if join_, _ := opts.Bool("join"); join_ {
		join(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func newNode(ctx context.Context, opts docopt.Opts) *docsync.Node {
	dbPath, _ := opts.String("--db")
	settings := docsync.DefaultNodeSettings()
	settings.DbPath = dbPath
	node, err := docsync.NewNode(ctx, docsync.NewId(), settings)
	if err != nil {
		Err.Fatalf("open node (%s)", err)
	}
	return node
}

// parse name=value parameters, interpreting numbers, booleans, and null
func parseParams(opts docopt.Opts) map[string]any {
	params := map[string]any{}
	paramStrs, _ := opts["--param"].([]string)
	for _, paramStr := range paramStrs {
		name, valueStr, ok := strings.Cut(paramStr, "=")
		if !ok {
			Err.Fatalf("bad param %q, expected name=value", paramStr)
		}
		switch valueStr {
		case "true":
			params[name] = true
		case "false":
			params[name] = false
		case "null":
			params[name] = nil
		default:
			if number, err := strconv.ParseFloat(valueStr, 64); err == nil {
				params[name] = number
			} else {
				params[name] = valueStr
			}
		}
	}
	return params
}

func printResult(result *docsync.QueryResult) {
	for _, item := range result.Items {
		values, err := item.Values()
		if err != nil {
			Err.Printf("read item (%s)", err)
			continue
		}
		valuesJson, err := json.Marshal(values)
		if err != nil {
			Err.Printf("encode item (%s)", err)
			continue
		}
		Out.Printf("%s", valuesJson)
	}
	if 0 < result.MutationCount {
		Out.Printf("mutated %d", result.MutationCount)
	}
	for _, skipped := range result.Skipped {
		Err.Printf("skipped %s/%s (%s)", skipped.Collection, skipped.Id, skipped.Message)
	}
}

func execStatement(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := newNode(cancelCtx, opts)
	defer node.Close()

	statement, _ := opts.String("<statement>")
	result, err := node.Execute(statement, parseParams(opts))
	if err != nil {
		Err.Fatalf("exec (%s)", err)
	}
	printResult(result)
}

func serve(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := newNode(cancelCtx, opts)
	defer node.Close()
	node.Eviction().Start()

	listen, _ := opts.String("--listen")
	if err := node.ListenAndServe(listen); err != nil {
		Err.Fatalf("serve (%s)", err)
	}
}

func join(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := newNode(cancelCtx, opts)
	defer node.Close()

	url, _ := opts.String("--url")
	collection, _ := opts.String("--collection")
	predicate, _ := opts.String("--predicate")

	peerId, err := node.DialPeer(cancelCtx, url)
	if err != nil {
		Err.Fatalf("dial %s (%s)", url, err)
	}
	Out.Printf("connected to peer %s", peerId)

	subscription, err := node.Replicator().Subscribe(peerId, collection, predicate)
	if err != nil {
		Err.Fatalf("subscribe (%s)", err)
	}
	Out.Printf("subscription %s", subscription.SubscriptionId())

	if listen, _ := opts.String("--listen"); listen != "" {
		go func() {
			if err := node.ListenAndServe(listen); err != nil {
				Err.Printf("serve (%s)", err)
			}
		}()
	}

	waitForSignal()
}

func watch(opts docopt.Opts) {
	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node := newNode(cancelCtx, opts)
	defer node.Close()

	statement, _ := opts.String("<statement>")
	observer, err := node.Observers().Observe(statement, parseParams(opts), 1, func(result *docsync.QueryResult) {
		Out.Printf("--- %s", time.Now().Format(time.RFC3339))
		printResult(result)
	})
	if err != nil {
		Err.Fatalf("observe (%s)", err)
	}
	defer observer.Cancel()

	go func() {
		// steady drip of credits keeps deliveries flowing while the
		// terminal keeps up
		for {
			select {
			case <-cancelCtx.Done():
				return
			case <-time.After(200 * time.Millisecond):
				observer.AddCredits(1)
			}
		}
	}()

	waitForSignal()
}

func waitForSignal() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}
