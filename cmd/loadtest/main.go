package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"go-chat-delivery/internal/broadcast"
	"go-chat-delivery/internal/logging"
	myMiddleware "go-chat-delivery/internal/middleware"
	"go-chat-delivery/internal/realtime"
)

// Users and conversations are expected to exist already. Pair i talks as
// users firstUser+2i and firstUser+2i+1 in conversation firstConv+i.
var (
	wsURL     = flag.String("url", "ws://localhost:8080/ws", "websocket endpoint")
	secret    = flag.String("secret", os.Getenv("CHAT_JWT_SECRET"), "JWT signing secret")
	pairs     = flag.Int("pairs", 50, "number of user pairs")
	msgCount  = flag.Int("msgs", 20, "messages per user")
	retries   = flag.Int("retries", 1, "times each clientMessageId is resent")
	firstUser = flag.Int64("first-user", 1, "id of the first seeded user")
	firstConv = flag.Int64("first-conv", 1, "id of the first seeded direct conversation")
)

type stats struct {
	sent       atomic.Int64
	acked      atomic.Int64
	duplicates atomic.Int64
	errors     atomic.Int64
	received   atomic.Int64
}

func main() {
	flag.Parse()
	logger := logging.New("info", "text")
	if *secret == "" {
		logger.Fatal("A JWT secret is required (-secret or CHAT_JWT_SECRET)")
	}
	issuer := myMiddleware.NewJWTValidator(*secret)

	logger.WithFields(logrus.Fields{
		"users":    *pairs * 2,
		"messages": *msgCount,
		"retries":  *retries,
	}).Info("Starting load test")

	var (
		st    stats
		wg    sync.WaitGroup
		start = time.Now()
	)
	for i := 0; i < *pairs; i++ {
		a := *firstUser + int64(2*i)
		b := a + 1
		conv := *firstConv + int64(i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			spamChat(issuer, logger, &st, a, conv)
		}()
		go func() {
			defer wg.Done()
			spamChat(issuer, logger, &st, b, conv)
		}()
	}
	wg.Wait()

	logger.WithFields(logrus.Fields{
		"elapsed":    time.Since(start).Round(time.Millisecond),
		"sent":       st.sent.Load(),
		"acked":      st.acked.Load(),
		"duplicates": st.duplicates.Load(),
		"errors":     st.errors.Load(),
		"received":   st.received.Load(),
	}).Info("Load test complete")
}

func spamChat(issuer *myMiddleware.JWTValidator, logger *logrus.Logger, st *stats, userID, convID int64) {
	log := logger.WithFields(logrus.Fields{"user_id": userID, "conversation_id": convID})

	token, err := issuer.Issue(userID, fmt.Sprintf("load_%d", userID), time.Hour)
	if err != nil {
		log.WithError(err).Error("Failed to sign token")
		return
	}
	conn, _, err := websocket.DefaultDialer.Dial(*wsURL+"?token="+url.QueryEscape(token), nil)
	if err != nil {
		log.WithError(err).Error("Websocket connect failed")
		return
	}
	defer conn.Close()

	// Every send produces exactly one ack or error frame.
	expected := int64(*msgCount * (*retries + 1))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		readReplies(ctx, conn, st, expected, log)
	}()

	for i := 0; i < *msgCount; i++ {
		frame, err := broadcast.Encode(realtime.EventMessageSend, map[string]interface{}{
			"conversationId":  convID,
			"clientMessageId": uuid.NewString(),
			"type":            "TEXT",
			"content":         fmt.Sprintf("load test message %d from user %d", i, userID),
		})
		if err != nil {
			log.WithError(err).Error("Failed to encode frame")
			return
		}
		// Resending the same frame simulates a client retry after a lost ack.
		for attempt := 0; attempt <= *retries; attempt++ {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				log.WithError(err).Error("Send failed")
				return
			}
			st.sent.Add(1)
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("Timed out waiting for acks")
	}
}

func readReplies(ctx context.Context, conn *websocket.Conn, st *stats, expected int64, log *logrus.Entry) {
	var replies int64
	for replies < expected && ctx.Err() == nil {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.WithError(err).Warn("Read failed")
			return
		}
		env, err := broadcast.Decode(raw)
		if err != nil {
			continue
		}
		switch env.Event {
		case realtime.EventMessageAck:
			replies++
			st.acked.Add(1)
			var ack realtime.MessageAck
			if err := json.Unmarshal(env.Data, &ack); err == nil && ack.Duplicate {
				st.duplicates.Add(1)
			}
		case realtime.EventMessageError:
			replies++
			st.errors.Add(1)
		case realtime.EventMessageNew:
			st.received.Add(1)
		}
	}
}
