// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Command greeter is a minimal sample wiring the command invoker/executor
// and telemetry sender/receiver pairs together against a real MQTT v5
// broker. It plays both client and server roles from a single process so
// it can be run against any broker with nothing else listening.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/aio-protocol/rpcruntime/internal/mqttclient"
	"github.com/aio-protocol/rpcruntime/protocol"
	"github.com/lmittmann/tint"
)

// HelloRequest is the payload of the greeter command.
type HelloRequest struct {
	Name string `json:"name"`
}

// HelloResponse is the greeter command's result.
type HelloResponse struct {
	Message string `json:"message"`
}

// Status is the telemetry payload the sample publishes once, after its
// invocation.
type Status struct {
	Invocations int `json:"invocations"`
}

const (
	commandTopic   = "rpc/samples/greeter/invoke"
	telemetryTopic = "telemetry/samples/greeter/status"
)

func main() {
	addr := flag.String("broker", "localhost:1883", "MQTT broker address")
	flag.Parse()

	slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, nil)))
	ctx := context.Background()

	client := must(mqttclient.Dial(ctx, *addr,
		fmt.Sprintf("greeter-%d", time.Now().UnixMilli())))

	app := must(protocol.NewApplication())

	invocations := 0
	executor := must(protocol.NewCommandExecutor(
		app,
		client,
		protocol.JSON[HelloRequest]{},
		protocol.JSON[HelloResponse]{},
		commandTopic,
		protocol.CommandHandler[HelloRequest, HelloResponse](
			func(
				ctx context.Context,
				req *protocol.CommandRequest[HelloRequest],
			) (*protocol.CommandResponse[HelloResponse], error) {
				invocations++
				slog.InfoContext(ctx, "greeter invoked",
					slog.String("name", req.Payload.Name),
					slog.String("from", req.ClientID))
				return protocol.Respond(HelloResponse{
					Message: fmt.Sprintf("Hello, %s!", req.Payload.Name),
				})
			},
		),
	))
	check(executor.Start(ctx))
	defer executor.Close()

	receiver := must(protocol.NewTelemetryReceiver(
		app,
		client,
		protocol.JSON[Status]{},
		telemetryTopic,
		func(ctx context.Context, msg *protocol.TelemetryMessage[Status]) error {
			ce, err := protocol.CloudEventFromTelemetry(msg)
			if err != nil {
				slog.WarnContext(ctx, "status event missing cloud event metadata", tint.Err(err))
			}
			slog.InfoContext(ctx, "status received",
				slog.Int("invocations", msg.Payload.Invocations),
				slog.Any("cloud_event", ce))
			return nil
		},
	))
	check(receiver.Start(ctx))
	defer receiver.Close()

	invoker := must(protocol.NewCommandInvoker[HelloRequest, HelloResponse](
		app,
		client,
		protocol.JSON[HelloRequest]{},
		protocol.JSON[HelloResponse]{},
		commandTopic,
	))
	defer invoker.Close()

	sender := must(protocol.NewTelemetrySender[Status](
		app,
		client,
		protocol.JSON[Status]{},
		telemetryTopic,
	))

	res := must(invoker.Invoke(ctx, HelloRequest{Name: "World"}))
	slog.InfoContext(ctx, "greeter responded", slog.String("message", res.Payload.Message))

	check(sender.Send(ctx, Status{Invocations: invocations},
		protocol.WithCloudEvent(&protocol.CloudEvent{
			Source: mustParseSource("aio://samples/greeter"),
		}),
	))

	fmt.Println("Press enter to quit.")
	must(fmt.Scanln())
}

func check(e error) {
	if e != nil {
		panic(e)
	}
}

func must[T any](t T, e error) T {
	check(e)
	return t
}

func mustParseSource(s string) *url.URL {
	return must(url.Parse(s))
}
