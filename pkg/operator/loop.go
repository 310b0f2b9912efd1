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

package operator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	scherrors "github.com/fleetpark/fleetpark-aws/pkg/errors"
	"github.com/fleetpark/fleetpark-aws/pkg/handler"
	"github.com/fleetpark/fleetpark-aws/pkg/logging"
)

const metricsShutdownTimeout = 5 * time.Second

// Invoker runs one scheduling request; the handler in production.
type Invoker interface {
	Handle(ctx context.Context, req handler.Request) (*handler.Response, error)
}

// RunLoop re-dispatches the request every schedule frequency until the
// context is cancelled. Cycle errors are logged and the loop keeps going;
// a configuration error stops it, since no later cycle can succeed on the
// same request.
func RunLoop(ctx context.Context, invoker Invoker, req handler.Request, frequency time.Duration, clk clock.Clock) error {
	for {
		if _, err := invoker.Handle(ctx, req); err != nil {
			if scherrors.IsConfigurationError(err) {
				return err
			}
			logging.FromContext(ctx).Errorf("scheduling cycle failed, %s", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(frequency):
		}
	}
}

// ServeMetrics exposes the prometheus registry until the context is
// cancelled. A zero port keeps the listener off, the default for one-shot
// invocations.
func ServeMetrics(ctx context.Context, port int) {
	if port <= 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.FromContext(ctx).Errorf("shutting down the metrics listener, %s", err)
		}
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.FromContext(ctx).Errorf("serving metrics on port %d, %s", port, err)
		}
	}()
}
