package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	bridge "github.com/golain-io/ws-mqtt-bridge"
)

func main() {
	addr := flag.String("url", "ws://localhost:3000/ws", "bridge WebSocket URL")
	kelas := flag.String("kelas", "A", "class")
	kelompok := flag.String("kelompok", "G", "group")
	nrps := flag.String("nrps", "5027231002,5027231004,5027231008", "comma separated member NRPs")
	ewallet := flag.String("ewallet", "W1", "sender e-wallet")
	targetClass := flag.String("target-class", "", "transfer target class; no transfer when empty")
	targetGroup := flag.String("target-group", "", "transfer target group")
	amount := flag.Int64("amount", 0, "transfer amount")
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		logger.Fatal("Failed to connect to bridge", zap.Error(err))
	}
	defer conn.Close()

	loggedIn := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				logger.Info("Connection closed", zap.Error(err))
				return
			}

			var n struct {
				Type    bridge.NotificationType `json:"type"`
				Message string                  `json:"message"`
				Payload json.RawMessage         `json:"payload"`
			}
			if err := json.Unmarshal(data, &n); err != nil {
				logger.Error("Failed to decode notification", zap.Error(err))
				continue
			}
			logger.Info("Received notification",
				zap.String("type", string(n.Type)),
				zap.String("message", n.Message),
				zap.ByteString("payload", n.Payload))

			if n.Type == bridge.NotifyLoginSuccess {
				close(loggedIn)
			}
		}
	}()

	send := func(cmd bridge.Command) {
		data, err := bridge.EncodeCommand(cmd)
		if err != nil {
			logger.Fatal("Failed to encode command", zap.Error(err))
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			logger.Fatal("Failed to send command", zap.Error(err))
		}
	}

	send(&bridge.LoginCommand{
		IdentityFields: bridge.IdentityFields{
			Kelas:    *kelas,
			Kelompok: *kelompok,
			NRPs:     strings.Split(*nrps, ","),
		},
		Ewallet: *ewallet,
	})

	select {
	case <-loggedIn:
	case <-done:
		return
	case <-time.After(15 * time.Second):
		logger.Fatal("Timed out waiting for login")
	}

	if *targetClass != "" {
		a := bridge.Amount(*amount)
		send(&bridge.TransferCommand{
			TargetClass: *targetClass,
			TargetGroup: *targetGroup,
			Amount:      &a,
			Ewallet:     *ewallet,
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-done:
		return
	}

	send(&bridge.LogoutCommand{})
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}
