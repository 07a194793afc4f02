package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/harwoeck/liblog/contract"
	"github.com/mgutz/ansi"

	"azoo.dev/utils/cache"
	"azoo.dev/utils/download"
)

var (
	downloads = flag.Int("n", 8, "Number of concurrent downloads")
	hosts     = flag.Int("hosts", 2, "Number of distinct hosts the downloads are spread across")
	threshold = flag.Duration("threshold", 200*time.Millisecond, "Idle time after which unused sessions are evicted")
	noColor   = flag.Bool("no-color", false, "Disable coloured output")
)

var (
	green  = ansi.ColorFunc("green")
	yellow = ansi.ColorFunc("yellow")
	red    = ansi.ColorFunc("red+b")
)

// session stands in for an authenticated HTTP session
type session struct {
	host string
	id   int
}

func (s *session) Close() {
	fmt.Println(yellow(fmt.Sprintf("closed session %d for %s", s.id, s.host)))
}

func main() {
	flag.Parse()
	ansi.DisableColors(*noColor)

	closed := make(chan struct{}, *downloads)
	dlCtx, err := download.New(map[string]interface{}{
		"user_agent": "azoo-downloader/1.0",
	}, &download.Config{
		Cache: &cache.Config{
			EvictionThreshold: *threshold,
			ReapInterval:      *threshold / 4,
		},
		Evicted: func(_ interface{}, object interface{}) {
			object.(*session).Close()
			closed <- struct{}{}
		},
	}, contract.MustNewStd())
	if err != nil {
		fmt.Println(red(err.Error()))
		os.Exit(1)
	}
	defer dlCtx.Close()

	var tokens, sessions int
	var wg sync.WaitGroup
	for i := 0; i < *downloads; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			host := fmt.Sprintf("https://host-%d.example.com", i%*hosts)
			if err := runDownload(dlCtx, host, i, &tokens, &sessions); err != nil {
				fmt.Println(red(fmt.Sprintf("download %d failed: %v", i, err)))
			}
		}(i)
	}
	wg.Wait()

	fmt.Println("===")
	fmt.Printf("Downloads: %d\n", *downloads)
	fmt.Printf("Tokens generated: %d\n", tokens)
	fmt.Printf("Sessions created: %d\n", sessions)

	// every session has been released, so after one threshold all of them are
	// evictable. The reaper may have closed some already
	time.Sleep(*threshold)
	err = dlCtx.Do(context.Background(), func(s *download.Scope) error {
		fmt.Printf("Sessions evicted: %d\n", len(s.Cache().Evict()))
		return nil
	})
	if err != nil {
		fmt.Println(red(err.Error()))
		os.Exit(1)
	}
	for i := 0; i < sessions; i++ {
		<-closed
	}
}

func runDownload(dlCtx *download.Context, host string, i int, tokens *int, sessions *int) error {
	var token interface{}
	var lease *cache.Lease

	err := dlCtx.Do(context.Background(), func(s *download.Scope) (err error) {
		token, err = s.GetOrGenerate("token", func() (interface{}, error) {
			*tokens++
			return fmt.Sprintf("token-%d", *tokens), nil
		})
		if err != nil {
			return err
		}

		lease, err = s.Cache().Get(host)
		if errors.Is(err, cache.ErrNotFound) {
			*sessions++
			s.Cache().Put(host, &session{host: host, id: *sessions})
			lease, err = s.Cache().Get(host)
		}
		return err
	})
	if err != nil {
		return err
	}
	defer lease.Release()

	sess := lease.Object().(*session)
	time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)
	fmt.Println(green(fmt.Sprintf("download %d finished on session %d (%s) with %s", i, sess.id, sess.host, token)))
	return nil
}
