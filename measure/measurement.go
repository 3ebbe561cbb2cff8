// Package measure is the measuring end of a netspeed deployment: it times
// requests against /ping, /download and /upload and turns them into latency
// and throughput statistics.
package measure

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/makotom/netspeed/chunk"
	"github.com/makotom/netspeed/stats"
)

var ErrUnexpectedResponse = errors.New("unexpected response")

// Plan bounds how long and how much the client measures.
type Plan struct {
	RTTWindow     time.Duration // new pings start only within this window
	MinBytes      int64
	MaxBytes      int64
	ExpBase       int64
	TimeThreshold time.Duration // a transfer this slow fixes the sample size
	Count         int
	ChunkSize     int
	Multiplicity  int // concurrent streams once the size is fixed; 0 and 1 mean one
}

func DefaultPlan() Plan {
	return Plan{
		RTTWindow:     2 * time.Second,
		MinBytes:      64 * 1024,         // 64 KiB
		MaxBytes:      256 * 1024 * 1024, // 256 MiB
		ExpBase:       2,                 // 64 k, 128 k, 256 k, ..., 128 M, 256 M
		TimeThreshold: 2 * time.Second,
		Count:         5,
		ChunkSize:     chunk.DefaultSize,
	}
}

type Client struct {
	BaseURL *url.URL
	HTTP    *http.Client
	Plan    Plan
}

func NewClient(baseURL string, httpClient *http.Client, plan Plan) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid server URL %q", baseURL)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, errors.Errorf("server URL %q must be http or https", baseURL)
	}

	return &Client{
		BaseURL: parsed,
		HTTP:    httpClient,
		Plan:    plan,
	}, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	ret := *c.BaseURL
	ret.Path = strings.TrimSuffix(ret.Path, "/") + path
	ret.RawQuery = query.Encode()

	return ret.String()
}

func flushHTTPResponse(resp *http.Response) (int64, error) {
	flushedSize, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		resp.Body.Close()
		return flushedSize, err
	}

	return flushedSize, resp.Body.Close()
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	resp.Body.Close()

	return errors.Wrapf(ErrUnexpectedResponse, "%s %s: %s %q", resp.Request.Method, resp.Request.URL.Path, resp.Status, body)
}

func (c *Client) do(ctx context.Context, method, target string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	return resp, nil
}

// Ping times a single /ping round trip, body included.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	// the cache buster keeps intermediaries from answering for the server
	target := c.endpoint("/ping", url.Values{"t": {strconv.FormatInt(time.Now().UnixNano(), 10)}})

	start := time.Now()

	resp, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	if _, err := flushHTTPResponse(resp); err != nil {
		return 0, err
	}

	return time.Since(start), nil
}

func (c *Client) MeasureRTT(ctx context.Context) (*stats.Stats, error) {
	durations := []time.Duration{}

	for start := time.Now(); time.Since(start) < c.Plan.RTTWindow; {
		duration, err := c.Ping(ctx)
		if err != nil {
			return nil, err
		}
		durations = append(durations, duration)
	}

	if len(durations) == 0 {
		return nil, errors.New("no round trip completed")
	}

	return stats.OfDurationsMS(durations), nil
}

func (c *Client) MeasureDownlink(ctx context.Context, size int64) (*SpeedMeasurement, error) {
	target := c.endpoint("/download", url.Values{"size": {strconv.FormatInt(size, 10)}})
	sampler := InitSamplingReaderWriter(nil)

	start := time.Now()

	resp, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	reqDur := time.Since(start)

	_, err = io.Copy(sampler, resp.Body)
	if closeErr := resp.Body.Close(); err == nil {
		err = closeErr
	}

	end := time.Now()

	if err != nil {
		return nil, errors.Wrapf(err, "download interrupted after %d bytes", sampler.SizeWritten)
	}
	if sampler.SizeWritten != size {
		return nil, errors.Wrapf(ErrUnexpectedResponse, "requested %d bytes, received %d", size, sampler.SizeWritten)
	}

	return &SpeedMeasurement{
		Direction: DirectionDownlink,
		Size:      size,
		Start:     start,
		End:       end,
		Duration:  end.Sub(start),
		IOSampler: sampler.IOSampler,
		ReqDur:    reqDur,
	}, nil
}

type uploadReceipt struct {
	ReceivedBytes int64 `json:"received_bytes"`
}

func (c *Client) MeasureUplink(ctx context.Context, size int64) (*SpeedMeasurement, error) {
	gen, err := chunk.NewBySize(c.Plan.ChunkSize, size)
	if err != nil {
		return nil, err
	}
	sampler := InitSamplingReaderWriter(chunk.NewReader(gen))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/upload", nil), sampler)
	if err != nil {
		return nil, err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}

	end := time.Now()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	// the transport closes the body once it stops reading; only then is the
	// event log safe to look at
	select {
	case <-sampler.Closed():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	receipt := uploadReceipt{}
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, errors.Wrap(err, "could not decode upload receipt")
	}
	if receipt.ReceivedBytes != size || sampler.SizeRead != size {
		return nil, errors.Wrapf(ErrUnexpectedResponse, "sent %d of %d bytes, server counted %d", sampler.SizeRead, size, receipt.ReceivedBytes)
	}

	return &SpeedMeasurement{
		Direction: DirectionUplink,
		Size:      size,
		Start:     start,
		End:       end,
		Duration:  end.Sub(start),
		IOSampler: sampler.IOSampler,
	}, nil
}

// getSpeedMeasurementStats summarises the windowed samples of groups, one
// group per stream. CatSpeed of a single stream adds up transfer durations;
// concurrent streams are taken over their wall-clock span.
func getSpeedMeasurementStats(groups [][]*SpeedMeasurement) (*SpeedMeasurementStats, error) {
	var samples []*Sample[float64]
	var sizeSum, durationSum int64

	if len(groups) == 1 {
		samples, sizeSum, durationSum = analyseMeasurements(groups[0], false)
	} else {
		samples, sizeSum, durationSum = analyseMeasurementGroups(groups)
	}

	if len(samples) == 0 || durationSum <= 0 {
		return nil, ErrNoSamples
	}

	speeds := []float64{}
	for _, sample := range samples {
		speeds = append(speeds, sample.Value)
	}

	return &SpeedMeasurementStats{
		Stats:        *stats.Of(speeds),
		CatSpeed:     float64(8*sizeSum) / float64(durationSum),
		Multiplicity: len(groups),
	}, nil
}

// measureConcurrently runs Multiplicity streams of Count sequential
// transfers of size bytes each.
func (c *Client) measureConcurrently(ctx context.Context, measurementFunc func(ctx context.Context, size int64) (*SpeedMeasurement, error), size int64) ([][]*SpeedMeasurement, error) {
	groups := make([][]*SpeedMeasurement, c.Plan.Multiplicity)
	group, groupCtx := errgroup.WithContext(ctx)

	for index := range groups {
		group.Go(func() error {
			for len(groups[index]) < c.Plan.Count {
				measurement, err := measurementFunc(groupCtx, size)
				if err != nil {
					return errors.Wrapf(err, "stream %d: transfer of %d bytes failed", index, size)
				}
				groups[index] = append(groups[index], measurement)
			}
			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return groups, nil
}

// MeasureSpeedAdaptive grows the transfer size until a single transfer takes
// TimeThreshold or the size reaches MaxBytes, then collects Count transfers
// at that size, on Multiplicity concurrent streams if asked to.
func (c *Client) MeasureSpeedAdaptive(ctx context.Context, measurementFunc func(ctx context.Context, size int64) (*SpeedMeasurement, error)) (*SpeedMeasurementStats, error) {
	if c.Plan.Count <= 0 {
		return nil, errors.Errorf("sample count must be positive, got %d", c.Plan.Count)
	}
	if c.Plan.ExpBase < 2 || c.Plan.MinBytes <= 0 {
		return nil, errors.Errorf("transfer size must start positive and grow, got %d x %d", c.Plan.MinBytes, c.Plan.ExpBase)
	}
	if c.Plan.Multiplicity < 0 {
		return nil, errors.Errorf("multiplicity must not be negative, got %d", c.Plan.Multiplicity)
	}

	measurements := []*SpeedMeasurement{}
	measurementBytes := c.Plan.MinBytes

	for len(measurements) < c.Plan.Count {
		measurement, err := measurementFunc(ctx, measurementBytes)
		if err != nil {
			return nil, errors.Wrapf(err, "transfer of %d bytes failed", measurementBytes)
		}

		if len(measurements) == 0 && measurement.Duration < c.Plan.TimeThreshold && measurementBytes < c.Plan.MaxBytes {
			measurementBytes = min(measurementBytes*c.Plan.ExpBase, c.Plan.MaxBytes)
		} else {
			measurements = append(measurements, measurement)
		}

		if len(measurements) > 0 && c.Plan.Multiplicity > 1 {
			break
		}
	}

	groups := [][]*SpeedMeasurement{measurements}
	if c.Plan.Multiplicity > 1 {
		var err error
		if groups, err = c.measureConcurrently(ctx, measurementFunc, measurementBytes); err != nil {
			return nil, err
		}
	}

	ret, err := getSpeedMeasurementStats(groups)
	if err != nil {
		return nil, err
	}
	ret.TXSize = measurementBytes

	return ret, nil
}
