package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"tradepost/internal/client"
	"tradepost/internal/items"
)

// stash is a trivial in-memory world: the bot's pile of items.
type stash struct {
	mu    sync.Mutex
	items map[string]int
	log   *log.Logger
}

func (s *stash) TakeItems(stacks []items.Stack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range stacks {
		if s.items[st.ItemID] < st.Quantity {
			return fmt.Errorf("not enough %s", st.ItemID)
		}
	}
	for _, st := range stacks {
		s.items[st.ItemID] -= st.Quantity
	}
	return nil
}

func (s *stash) ReturnItems(stacks []items.Stack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range stacks {
		s.items[st.ItemID] += st.Quantity
	}
	s.log.Printf("returned: %v", stacks)
}

func (s *stash) SpawnItems(stacks []items.Stack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range stacks {
		s.items[st.ItemID] += st.Quantity
	}
	s.log.Printf("received: %v", stacks)
}

func main() {
	var (
		url       = flag.String("url", "ws://127.0.0.1:8080/v1/ws", "server ws url")
		name      = flag.String("name", "bot", "login name")
		secret    = flag.String("secret", "botpw", "login secret")
		say       = flag.String("say", "", "chat line to send after login")
		tradeWith = flag.String("trade_with", "", "display name of the party to trade with")
		offer     = flag.String("offer", "", "items to offer, e.g. WOOD:5,STONE:2")
		inventory = flag.String("inventory", "WOOD:50,STONE:50,IRON:10", "starting stash")
		runFor    = flag.Duration("run_for", 30*time.Second, "how long to stay connected")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	world := &stash{items: map[string]int{}, log: logger}
	for _, st := range mustParseStacks(*inventory, logger) {
		world.items[st.ItemID] = st.Quantity
	}

	c := client.New(*url, client.DefaultConfig(), world, logger)
	ctx, cancel := context.WithTimeout(context.Background(), *runFor)
	defer cancel()

	if err := c.Dial(ctx); err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if err := c.Login(*name, *secret); err != nil {
		logger.Fatalf("login: %v", err)
	}
	logger.Printf("logged in as %s", c.SelfUUID())

	events, unsubscribe := c.Events().Subscribe()
	defer unsubscribe()

	if *say != "" {
		if err := c.SendChat(*say); err != nil {
			logger.Printf("chat: %v", err)
		}
	}

	var offerStacks []items.Stack
	if *offer != "" {
		offerStacks = mustParseStacks(*offer, logger)
	}

	tradeOpened := false
	for {
		select {
		case <-ctx.Done():
			logger.Printf("done; stash=%v", world.items)
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch e := ev.(type) {
			case client.RosterChanged:
				if *tradeWith == "" || tradeOpened {
					continue
				}
				for uuid, display := range c.Roster() {
					if display == *tradeWith && uuid != c.SelfUUID() {
						tradeOpened = true
						if err := c.OpenTrade(uuid); err != nil {
							logger.Printf("open trade: %v", err)
						}
					}
				}
			case client.TradeOpened:
				logger.Printf("trade opened: %s", e.TradeID)
				s := c.Trade(e.TradeID)
				if s == nil {
					continue
				}
				if len(offerStacks) > 0 {
					if _, err := s.ProposeOfferChange(offerStacks); err != nil {
						logger.Printf("offer: %v", err)
						continue
					}
				}
				s.SetAccepted(true)
			case client.TradeOpenFailed:
				logger.Printf("trade rejected: %s (%s)", e.Reason, e.Message)
			case client.TradeUpdated:
				s := c.Trade(e.TradeID)
				if s == nil {
					continue
				}
				v := s.View()
				logger.Printf("trade %s: self=%v other=%v accepted=%v", e.TradeID, v.SelfOffer, v.OtherOffer, v.Accepted)
				// Accept whenever the other side has put something up.
				if len(v.OtherOffer) > 0 && !v.LocalAccepted {
					s.SetAccepted(true)
				}
			case client.TradeClosed:
				logger.Printf("trade %s closed (cancelled=%v); stash=%v", e.TradeID, e.Cancelled, world.items)
			case client.ChatUpdated:
				for _, m := range c.Chat().Messages() {
					logger.Printf("chat [%s] %s: %s", m.Status, m.SenderUUID, m.Text)
				}
				c.Chat().MarkRead()
			case client.Disconnected:
				logger.Printf("disconnected")
				return
			}
		}
	}
}

func mustParseStacks(s string, logger *log.Logger) []items.Stack {
	var out []items.Stack
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 {
			logger.Fatalf("bad stack %q (want ID:QTY)", part)
		}
		n, err := strconv.Atoi(kv[1])
		if err != nil || n <= 0 {
			logger.Fatalf("bad quantity in %q", part)
		}
		out = append(out, items.Stack{ItemID: kv[0], Quantity: n})
	}
	return out
}
