/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/lo"

	"github.com/fleetpark/fleetpark-aws/pkg/handler"
	"github.com/fleetpark/fleetpark-aws/pkg/logging"
	"github.com/fleetpark/fleetpark-aws/pkg/operator"
	"github.com/fleetpark/fleetpark-aws/pkg/operator/options"
)

func main() {
	opts := options.New()
	eventFile := opts.String("event", "", "Path to the scheduling request JSON; empty or - reads stdin")
	loop := opts.Bool("loop", false, "Re-run the request every schedule-frequency until interrupted")
	opts.MustParse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, op := operator.NewOperator(options.ToContext(ctx, opts))

	req, err := readRequest(*eventFile)
	if err != nil {
		logging.FromContext(ctx).Fatalf("reading the scheduling request, %s", err)
	}

	operator.ServeMetrics(ctx, opts.PrometheusPort)

	if *loop {
		if err := operator.RunLoop(ctx, op.Handler, *req, opts.ScheduleFrequency, op.Clock); err != nil {
			logging.FromContext(ctx).Fatalf("scheduling loop stopped, %s", err)
		}
		return
	}

	response, err := op.Handler.Handle(ctx, *req)
	if response != nil {
		fmt.Println(string(lo.Must(json.MarshalIndent(response, "", "  "))))
	}
	if err != nil {
		logging.FromContext(ctx).Fatalf("scheduling cycle failed, %s", err)
	}
}

func readRequest(path string) (*handler.Request, error) {
	var raw []byte
	var err error
	if path == "" || path == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	req := &handler.Request{}
	if err := json.Unmarshal(raw, req); err != nil {
		return nil, fmt.Errorf("unmarshalling the request, %w", err)
	}
	return req, nil
}
