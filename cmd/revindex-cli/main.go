package main

import (
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/docopt/docopt-go"
	"github.com/fatih/color"
	"github.com/golang/glog"

	"github.com/matteso1/revindex/internal/branch"
	"github.com/matteso1/revindex/internal/config"
	"github.com/matteso1/revindex/internal/index"
	"github.com/matteso1/revindex/internal/indexsvc"
	"github.com/matteso1/revindex/internal/metrics"
)

const Version = "0.1.0"

const usage = `revindex-cli - inspect and edit a branch-aware index.

Usage:
    revindex-cli branches [options]
    revindex-cli files <branch> [options]
    revindex-cli commits <branch> [options]
    revindex-cli search <branch> [<query>] [--limit=<n>] [--sort=<field>] [--reverse] [options]
    revindex-cli count <branch> [<query>] [options]
    revindex-cli get <branch> <doc> [options]
    revindex-cli index <branch> <file> [--tag=<kv>...] [options]
    revindex-cli delete <branch> <id>... [options]
    revindex-cli branch <branch> [--tag=<kv>...] [options]
    revindex-cli reopen <branch> [options]
    revindex-cli purgeable <paths>... [options]
    revindex-cli -h | --help
    revindex-cli --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --config=<file>    YAML config file.
    --root=<dir>       Index root, overrides the config file.
    --limit=<n>        Maximum hits to print [default: 10].
    --sort=<field>     Sort hits by the first value of a field.
    --reverse          Reverse the sort order.
    --tag=<kv>         key=value commit tag, may repeat.

Queries are expressions over document fields, for example
    'title == "hello" && "draft" in tag'
`

var (
	okf    = color.New(color.FgGreen).SprintfFunc()
	headf  = color.New(color.FgCyan, color.Bold).SprintfFunc()
	dimf   = color.New(color.Faint).SprintfFunc()
	failf  = color.New(color.FgRed, color.Bold).SprintfFunc()
	fieldf = color.New(color.FgYellow).SprintfFunc()
)

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}
	defer glog.Flush()

	if err := run(opts); err != nil {
		fmt.Fprintln(os.Stderr, failf("error: %v", err))
		glog.Flush()
		os.Exit(1)
	}
}

func run(opts docopt.Opts) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	svc, err := indexsvc.Open(cfg, metrics.NewMetrics(), nil)
	if err != nil {
		return err
	}
	err = dispatch(svc, opts)
	if derr := svc.Dispose(); err == nil {
		err = derr
	}
	return err
}

func loadConfig(opts docopt.Opts) (config.Config, error) {
	cfg := config.DefaultConfig()
	if file := optString(opts, "--config"); file != "" {
		var err error
		if cfg, err = config.Load(file); err != nil {
			return cfg, err
		}
	}
	if root := optString(opts, "--root"); root != "" {
		cfg.Root = root
		cfg.InMemory = false
	}
	// Single-shot commands never idle.
	cfg.IdleTimeout = 0
	return cfg, nil
}

func dispatch(svc *indexsvc.IndexService, opts docopt.Opts) error {
	if b, _ := opts.Bool("branches"); b {
		for _, p := range svc.Branches() {
			fmt.Printf("%s  %s\n", p, dimf("%s", svc.Registry().Physical(p)))
		}
		return nil
	}
	if b, _ := opts.Bool("purgeable"); b {
		paths, _ := opts["<paths>"].([]string)
		for _, s := range paths {
			p, err := branch.Parse(s)
			if err != nil {
				return err
			}
			ok, err := svc.Purgeable(p)
			if err != nil {
				return err
			}
			if ok {
				fmt.Printf("%s  %s\n", p, failf("purgeable"))
			} else {
				fmt.Printf("%s  %s\n", p, okf("keep"))
			}
		}
		return nil
	}

	p, err := branch.Parse(optString(opts, "<branch>"))
	if err != nil {
		return err
	}
	switch {
	case flag(opts, "files"):
		files, err := svc.ListFiles(p)
		if err != nil {
			return err
		}
		for _, f := range files {
			fmt.Println(f)
		}
	case flag(opts, "commits"):
		commits, err := svc.Commits(p)
		if err != nil {
			return err
		}
		for _, c := range commits {
			printCommit(c)
		}
	case flag(opts, "search"):
		return search(svc, p, opts)
	case flag(opts, "count"):
		q, err := parseQuery(optString(opts, "<query>"))
		if err != nil {
			return err
		}
		n, err := svc.Count(p, q)
		if err != nil {
			return err
		}
		fmt.Println(n)
	case flag(opts, "get"):
		doc, ok, err := svc.Lookup(p, optString(opts, "<doc>"))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: no document %q", p, optString(opts, "<doc>"))
		}
		printDocument(doc)
	case flag(opts, "index"):
		data, err := os.ReadFile(optString(opts, "<file>"))
		if err != nil {
			return err
		}
		docs, err := index.DecodeDocuments(data)
		if err != nil {
			return err
		}
		tags, err := parseTags(opts)
		if err != nil {
			return err
		}
		if err := svc.Index(p, docs...); err != nil {
			return err
		}
		c, err := svc.CommitWithTags(p, tags)
		if err != nil {
			return err
		}
		fmt.Println(okf("indexed %d documents into %s", len(docs), p))
		printCommit(c)
	case flag(opts, "delete"):
		ids, _ := opts["<id>"].([]string)
		if err := svc.Delete(p, ids...); err != nil {
			return err
		}
		if err := svc.Commit(p); err != nil {
			return err
		}
		fmt.Println(okf("deleted %d ids from %s", len(ids), p))
	case flag(opts, "branch"):
		tags, err := parseTags(opts)
		if err != nil {
			return err
		}
		if err := svc.CreateBranch(p, tags); err != nil {
			return err
		}
		fmt.Println(okf("created %s at %s", p, svc.Registry().Physical(p)))
	case flag(opts, "reopen"):
		physical, err := svc.Reopen(p, "")
		if err != nil {
			return err
		}
		fmt.Println(okf("reopened %s at %s", p, physical))
	}
	return nil
}

func search(svc *indexsvc.IndexService, p branch.Path, opts docopt.Opts) error {
	q, err := parseQuery(optString(opts, "<query>"))
	if err != nil {
		return err
	}
	limit, err := strconv.Atoi(optString(opts, "--limit"))
	if err != nil {
		return fmt.Errorf("--limit: %w", err)
	}
	var sort *index.SortField
	if field := optString(opts, "--sort"); field != "" {
		sort = &index.SortField{Field: field, Reverse: flag(opts, "--reverse")}
	}
	top, err := svc.Search(p, q, limit, sort)
	if err != nil {
		return err
	}
	fmt.Println(headf("%d hits on %s for %s", top.TotalHits, p, q))
	for _, h := range top.Hits {
		printDocument(h.Doc)
	}
	return nil
}

func parseQuery(src string) (index.Query, error) {
	if src == "" {
		return index.MatchAll{}, nil
	}
	return index.NewExprQuery(src)
}

func parseTags(opts docopt.Opts) (map[string]string, error) {
	kvs, _ := opts["--tag"].([]string)
	if len(kvs) == 0 {
		return nil, nil
	}
	tags := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("--tag %q: want key=value", kv)
		}
		tags[k] = v
	}
	return tags, nil
}

func printCommit(c *index.CommitPoint) {
	fmt.Printf("%s %s  counter=%d docs=%d\n", headf("gen %d", c.Generation()), dimf("%s", c.ID()), c.SegmentCounter(), c.NumDocs())
	data := c.UserData()
	for _, k := range slices.Sorted(maps.Keys(data)) {
		fmt.Printf("    %s=%s\n", fieldf("%s", k), data[k])
	}
}

func printDocument(doc index.Document) {
	fmt.Println(headf("%s", doc.ID()))
	for _, f := range doc.Fields {
		if f.Name == index.IDField {
			continue
		}
		fmt.Printf("    %s: %s\n", fieldf("%s", f.Name), f.Value)
	}
}

func flag(opts docopt.Opts, key string) bool {
	b, _ := opts.Bool(key)
	return b
}

func optString(opts docopt.Opts, key string) string {
	s, _ := opts[key].(string)
	return s
}
