package pool

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deploymenttheory/go-zpool/internal/metrics"
	"github.com/deploymenttheory/go-zpool/internal/spa"
	"github.com/deploymenttheory/go-zpool/internal/vdev"
	"github.com/deploymenttheory/go-zpool/pkg/app"
)

func poolOptions(ctx *app.Context) []spa.Option {
	return []spa.Option{spa.WithConfig(ctx.Config), spa.WithLogger(ctx.Logger)}
}

// HandleCreate creates a pool and any datasets requested with it.
func HandleCreate(ctx *app.Context, req *CreateRequest) (*CreateResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	cfg, err := vdev.LoadConfigFile(req.ConfigPath)
	if err != nil {
		return nil, app.NewError(app.ErrCodeInvalidInput, "cannot load vdev config", err)
	}
	ctx.Log("Creating pool %s from %s", req.Name, req.ConfigPath)

	opts := append(poolOptions(ctx), spa.WithForce(req.Force))
	p, err := spa.Create(ctx, req.Name, cfg, opts...)
	if err != nil {
		return nil, app.Classify("create pool", err)
	}
	for _, name := range req.Datasets {
		if _, err := p.CreateDataset(name); err != nil {
			p.Close()
			return nil, app.Classify("create dataset "+name, err)
		}
		ctx.Log("  dataset %s", name)
	}
	if err := p.Close(); err != nil {
		return nil, app.Classify("close pool", err)
	}

	return &CreateResponse{
		Name:      p.Name(),
		Guid:      p.Guid(),
		SyncedTxg: p.SyncedTxg(),
		Space:     p.Space(),
		TopLevels: p.Tree().Root().NumChildren(),
		Datasets:  req.Datasets,
	}, nil
}

// HandleStatus opens the pool on the given devices and reports on it.
func HandleStatus(ctx *app.Context, req *StatusRequest) (*StatusResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	ctx.Log("Opening pool on %s", req.Devices)
	p, err := spa.Open(ctx, req.Devices, poolOptions(ctx)...)
	if err != nil {
		return nil, app.Classify("open pool", err)
	}
	resp := &StatusResponse{Status: p.Status(), Uberblock: uberblockInfo(p)}
	if err := p.Close(); err != nil {
		return nil, app.Classify("close pool", err)
	}
	return resp, nil
}

func uberblockInfo(p *spa.Pool) UberblockInfo {
	ub := p.Uberblock()
	return UberblockInfo{
		Txg:       ub.Txg,
		GuidSum:   ub.GuidSum,
		Timestamp: time.Unix(int64(ub.Timestamp), 0).UTC(),
		Root:      ub.RootBP.String(),
	}
}

// HandleSync writes req.Bytes into a dataset in each of req.Txgs txgs,
// syncing every one. The dataset is created if it does not exist. With a
// metrics address set, pool metrics are served for the length of the run.
func HandleSync(ctx *app.Context, req *SyncRequest) (*SyncResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	p, err := spa.Open(ctx, req.Devices, poolOptions(ctx)...)
	if err != nil {
		return nil, app.Classify("open pool", err)
	}

	var resp *SyncResponse
	g, gctx := errgroup.WithContext(ctx)
	stop := make(chan struct{})
	if req.MetricsAddr != "" {
		srv, ln, err := metricsServer(p, req.MetricsAddr)
		if err != nil {
			p.Close()
			return nil, app.NewError(app.ErrCodeInvalidInput, "cannot serve metrics", err)
		}
		ctx.Log("Serving metrics on http://%s/metrics", ln.Addr())
		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-stop
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		defer close(stop)
		var err error
		resp, err = runSync(ctx, gctx, p, req)
		return err
	})

	err = g.Wait()
	if cerr := p.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return nil, app.Classify("sync", err)
	}
	return resp, nil
}

func metricsServer(p *spa.Pool, addr string) (*http.Server, net.Listener, error) {
	h, err := metrics.Handler(p)
	if err != nil {
		return nil, nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	return &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}, ln, nil
}

func runSync(actx *app.Context, ctx context.Context, p *spa.Pool, req *SyncRequest) (*SyncResponse, error) {
	ds, err := p.Dataset(req.Dataset)
	if err != nil {
		actx.Log("Creating dataset %s", req.Dataset)
		if ds, err = p.CreateDataset(req.Dataset); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	resp := &SyncResponse{Dataset: req.Dataset, FirstTxg: p.OpenTxg()}
	rng := rand.New(rand.NewSource(start.UnixNano()))
	for i := 0; i < req.Txgs; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tx, release := p.Assign()
		written, err := writeRecords(ds.Write, rng, req.bytes, req.recordSize, tx)
		release()
		if err != nil {
			return nil, err
		}
		if err := p.SyncTxg(ctx); err != nil {
			return nil, err
		}
		resp.LastTxg = tx
		resp.Txgs++
		resp.BytesWritten += written
		actx.Progress(app.ProgressUpdate{
			Message:     "syncing " + req.Dataset,
			Txg:         tx,
			Completed:   int64(i + 1),
			Total:       int64(req.Txgs),
			Bytes:       resp.BytesWritten,
			StartedAt:   start,
			ElapsedTime: time.Since(start),
		})
	}
	resp.Used = ds.Used()
	resp.Elapsed = time.Since(start)
	return resp, nil
}

// writeRecords writes total bytes of half-random data in records of at
// most recordSize bytes. Half of each record compresses away.
func writeRecords(write func([]byte, uint64) error, rng *rand.Rand, total, recordSize, tx uint64) (uint64, error) {
	var written uint64
	for written < total {
		n := min(recordSize, total-written)
		rec := make([]byte, n)
		rng.Read(rec[:n/2])
		if err := write(rec, tx); err != nil {
			return written, err
		}
		written += n
	}
	return written, nil
}

// HandleLabels reads the four labels of a device.
func HandleLabels(ctx *app.Context, req *LabelsRequest) (*LabelsResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	labels, err := vdev.ProbeLabels(ctx, req.Device, vdev.WithLogger(ctx.Logger))
	if err != nil {
		return nil, app.Classify("probe labels", err)
	}
	resp := &LabelsResponse{Device: req.Device}
	for _, st := range labels {
		info := LabelInfo{Index: st.Index, Offset: st.Offset, Valid: st.Valid, Uberblocks: []uint64{}}
		if st.Err != nil {
			info.Error = st.Err.Error()
		}
		if lc := st.Config; lc != nil {
			info.Pool, info.PoolGuid, info.Guid, info.Txg = lc.Name, lc.PoolGuid, lc.Guid, lc.Txg
		}
		for _, ub := range st.Uberblocks {
			info.Uberblocks = append(info.Uberblocks, ub.Txg)
		}
		resp.Labels = append(resp.Labels, info)
	}
	return resp, nil
}
