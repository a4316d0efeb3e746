package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hako/durafmt"
	"github.com/remeh/sizedwaitgroup"

	"lagswitch/client"
	"lagswitch/logging"
)

var shortUnits, _ = durafmt.DefaultUnitsCoder.Decode("y:yrs,wk:wks,d:d,h:h,m:m,s:s,ms:ms,us:us")

// 无界面客户端：随机游走输入，可按固定步数切换模拟丢包，用于驱动服务端采样器
func main() {
	cfg := client.DefaultConfig()
	var (
		url      string
		lagEvery int
		hold     int
		bots     int
		parallel int
		logFile  string
		verbose  bool
	)
	flag.StringVar(&url, "server", "ws://127.0.0.1:4450/ws", "server websocket url")
	flag.IntVar(&lagEvery, "lagswitch", 0, "toggle packet-drop simulation every N steps (0 = off)")
	flag.IntVar(&hold, "hold", 30, "steps to hold each random direction")
	flag.IntVar(&bots, "bots", 1, "number of bot sessions to run")
	flag.IntVar(&parallel, "parallel", 0, "maximum concurrent bot sessions (0 = all)")
	flag.DurationVar(&cfg.StepPeriod, "step", cfg.StepPeriod, "local step and send period")
	flag.Float64Var(&cfg.CriticalRadius, "critical", cfg.CriticalRadius, "critical zone radius")
	flag.IntVar(&cfg.StaleAfter, "stale", cfg.StaleAfter, "drop remote players absent from N broadcasts")
	flag.StringVar(&logFile, "log", "", "log file path (rotated)")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.Parse()

	if err := logging.InitLogger(logging.Options{FilePath: logFile, Console: true, Debug: verbose}); err != nil {
		panic(err)
	}
	defer logging.SyncLogger()

	if err := cfg.Validate(); err != nil {
		logging.Log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if bots < 1 {
		bots = 1
	}
	if parallel <= 0 || parallel > bots {
		parallel = bots
	}

	// 超过服务端容量的 bot 会被拒绝，限制并发后排队等待前一个会话结束
	failed := 0
	results := make(chan bool, bots)
	wg := sizedwaitgroup.New(parallel)
	for i := 0; i < bots; i++ {
		if ctx.Err() != nil {
			break
		}
		wg.Add()
		go func(n int) {
			defer wg.Done()
			results <- runBot(ctx, n, url, cfg, lagEvery, hold)
		}(i)
	}
	wg.Wait()
	close(results)
	for ok := range results {
		if !ok {
			failed++
		}
	}
	if failed > 0 {
		logging.Log.Errorf("%d of %d session(s) failed to connect", failed, bots)
		os.Exit(1)
	}
}

func runBot(ctx context.Context, n int, url string, cfg client.Config, lagEvery, hold int) bool {
	log := logging.Log.With("bot", n)
	sess, err := client.Dial(ctx, url, cfg)
	if err != nil {
		log.Errorf("connection failed: %v", err)
		return false
	}

	input := &client.LagSwitch{
		Source: client.NewRandomWalk(hold, rand.New(rand.NewSource(time.Now().UnixNano()+int64(n)))),
		Every:  lagEvery,
	}
	start := time.Now()
	if err := sess.Run(ctx, input); err != nil {
		log.Warnf("disconnect: %v", err)
	}
	st := sess.Stats()
	log.Infof("session ended after %s: sent=%d withheld=%d critical=%d",
		durafmt.Parse(time.Since(start)).LimitFirstN(2).Format(shortUnits),
		st.Sent.Load(), st.Withheld.Load(), st.Critical.Load())
	return true
}
