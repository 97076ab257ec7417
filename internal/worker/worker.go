// Package worker serves the producer over NATS request/reply.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/book-expert/logger"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/audio-producer/internal/core"
	"github.com/book-expert/audio-producer/internal/director"
	"github.com/book-expert/audio-producer/internal/pipeline"
)

const (
	defaultRequestTimeout = 30 * time.Minute
	defaultMaxRenders     = 2
	drainPollInterval     = 10 * time.Millisecond
)

const (
	logFmtSubscribed     = "Listening on %s"
	logFmtParseFailed    = "Failed to parse %s request: %v"
	logFmtDirectFailed   = "Failed to direct project %s for workflow %s: %v"
	logFmtDirected       = "Directed project %s for workflow %s: %d blocks"
	logFmtRenderFailed   = "Failed to render project %s for workflow %s: %v"
	logFmtUploaded       = "Uploaded render of project %s to %s/%s (%s)"
	logFmtStatusFailed   = "Failed to read status of project %s: %v"
	logFmtCancelled      = "Cancel for project %s (workflow %s): running=%t"
	logFmtReplyFailed    = "Failed to publish reply for workflow %s: %v"
	errFmtUploadRender   = "failed to upload render '%s' to '%s': %w"
	errFmtSubscribe      = "failed to subscribe to subject %s: %w"
	errFmtDrain          = "failed to drain subscription %s: %w"
	errFmtLoadProject    = "failed to load project '%s': %w"
	errFmtSaveProject    = "failed to save project '%s': %w"
	errFmtMarshalReply   = "failed to marshal reply: %w"
	errFmtRespond        = "failed to publish reply: %w"
	errFmtUnmarshalEvent = "failed to unmarshal event: %w"
)

var (
	// ErrMissingProjectID is returned for requests that do not name a project.
	ErrMissingProjectID = errors.New("project_id is required")
	// ErrEmptyScript is returned for direct requests without a script.
	ErrEmptyScript = errors.New("script cannot be empty")
	// ErrMissingDependency is returned by NewNatsWorker when a collaborator is nil.
	ErrMissingDependency = errors.New("missing worker dependency")
)

// Director plans a script into a series bible and blocks.
type Director interface {
	Direct(ctx context.Context, title, script string, rawBible []byte) (director.Direction, error)
}

// Renderer runs and tracks project renders.
type Renderer interface {
	Render(ctx context.Context, project core.Project) (pipeline.Report, error)
	Status(projectID string) (pipeline.Report, bool)
	Cancel(projectID string) bool
}

// Subjects names the NATS subjects the worker serves.
type Subjects struct {
	Direct string
	Render string
	Status string
	Cancel string
}

// Options wires the worker's collaborators.
type Options struct {
	Director        Director
	Renderer        Renderer
	Store           core.ProjectRepository
	Objects         core.ObjectStore
	Log             *logger.Logger
	Subjects        Subjects
	Bucket          string
	DefaultVoice    string
	DefaultSettings core.Settings
	RequestTimeout  time.Duration
	MaxRenders      int
}

// NatsWorker answers direct, render, status and cancel requests.
type NatsWorker struct {
	natsConnection *nats.Conn
	director       Director
	renderer       Renderer
	store          core.ProjectRepository
	objects        core.ObjectStore
	log            *logger.Logger
	subjects       Subjects
	bucket         string
	defaultVoice   string
	renders        *errgroup.Group
	settings       core.Settings
	timeout        time.Duration
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(natsConnection *nats.Conn, opts Options) (*NatsWorker, error) {
	switch {
	case natsConnection == nil:
		return nil, fmt.Errorf("%w: nats connection", ErrMissingDependency)
	case opts.Director == nil:
		return nil, fmt.Errorf("%w: director", ErrMissingDependency)
	case opts.Renderer == nil:
		return nil, fmt.Errorf("%w: renderer", ErrMissingDependency)
	case opts.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	case opts.Objects == nil:
		return nil, fmt.Errorf("%w: object store", ErrMissingDependency)
	case opts.Log == nil:
		return nil, fmt.Errorf("%w: logger", ErrMissingDependency)
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	maxRenders := opts.MaxRenders
	if maxRenders < 1 {
		maxRenders = defaultMaxRenders
	}

	renders := &errgroup.Group{}
	renders.SetLimit(maxRenders)

	return &NatsWorker{
		natsConnection: natsConnection,
		director:       opts.Director,
		renderer:       opts.Renderer,
		store:          opts.Store,
		objects:        opts.Objects,
		log:            opts.Log,
		subjects:       opts.Subjects,
		bucket:         opts.Bucket,
		defaultVoice:   opts.DefaultVoice,
		renders:        renders,
		settings:       opts.DefaultSettings,
		timeout:        timeout,
	}, nil
}

// Run subscribes to every configured subject and serves requests until ctx is done.
// Each subject has its own subscription, so a long render never delays status or cancel.
// Renders run on up to MaxRenders goroutines; Run waits for them before returning.
func (w *NatsWorker) Run(ctx context.Context) error {
	handlers := []struct {
		subject string
		handle  func(context.Context, *nats.Msg)
	}{
		{w.subjects.Direct, w.handleDirect},
		{w.subjects.Render, w.dispatchRender},
		{w.subjects.Status, w.handleStatus},
		{w.subjects.Cancel, w.handleCancel},
	}

	subscriptions := make([]*nats.Subscription, 0, len(handlers))

	for _, handler := range handlers {
		if handler.subject == "" {
			continue
		}

		handle := handler.handle

		sub, err := w.natsConnection.Subscribe(handler.subject, func(msg *nats.Msg) {
			handle(ctx, msg)
		})
		if err != nil {
			drainAll(subscriptions)

			return fmt.Errorf(errFmtSubscribe, handler.subject, err)
		}

		w.log.Info(logFmtSubscribed, handler.subject)
		subscriptions = append(subscriptions, sub)
	}

	flushErr := w.natsConnection.Flush()
	if flushErr != nil {
		drainAll(subscriptions)

		return fmt.Errorf("failed to flush subscriptions: %w", flushErr)
	}

	<-ctx.Done()

	var drainErr error

	for _, sub := range subscriptions {
		err := sub.Drain()
		if err != nil && drainErr == nil {
			drainErr = fmt.Errorf(errFmtDrain, sub.Subject, err)
		}
	}

	// Pending render requests may still be dispatched until each drain completes.
	waitDrained(subscriptions)

	_ = w.renders.Wait()

	return drainErr
}

func waitDrained(subscriptions []*nats.Subscription) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for _, sub := range subscriptions {
		for sub.IsValid() {
			<-ticker.C
		}
	}
}

// dispatchRender hands a render request to the render pool. It blocks the render
// subscription only while every slot is busy.
func (w *NatsWorker) dispatchRender(ctx context.Context, msg *nats.Msg) {
	w.renders.Go(func() error {
		w.handleRender(ctx, msg)

		return nil
	})
}

func drainAll(subscriptions []*nats.Subscription) {
	for _, sub := range subscriptions {
		_ = sub.Drain()
	}
}

func (w *NatsWorker) handleDirect(ctx context.Context, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var request DirectRequest

	err := parseEvent(msg, &request)
	if err != nil {
		w.log.Error(logFmtParseFailed, msg.Subject, err)
		w.reply(msg, "", DirectReply{Error: err.Error()})

		return
	}

	reply, directErr := w.direct(ctx, request)
	if directErr != nil {
		w.log.Error(logFmtDirectFailed, request.ProjectID, request.Header.WorkflowID, directErr)
		reply.Error = directErr.Error()
	} else {
		w.log.Info(logFmtDirected, reply.ProjectID, request.Header.WorkflowID, reply.Blocks)
	}

	reply.Header = request.Header
	w.reply(msg, request.Header.WorkflowID, reply)
}

// direct plans the script and stores the project. Directing an existing project replaces its
// bible and blocks, which resets every job.
func (w *NatsWorker) direct(ctx context.Context, request DirectRequest) (DirectReply, error) {
	reply := DirectReply{ProjectID: request.ProjectID}

	if request.Script == "" {
		return reply, ErrEmptyScript
	}

	settings := w.settings

	if request.ProjectID == "" {
		reply.ProjectID = uuid.NewString()
	} else {
		existing, loadErr := w.store.LoadProject(ctx, request.ProjectID)

		switch {
		case loadErr == nil:
			settings = existing.Settings
		case !errors.Is(loadErr, core.ErrProjectNotFound):
			return reply, fmt.Errorf(errFmtLoadProject, request.ProjectID, loadErr)
		}
	}

	if request.Settings != nil {
		settings = *request.Settings
	}

	direction, err := w.director.Direct(ctx, request.Title, request.Script, request.Bible)
	if err != nil {
		return reply, fmt.Errorf("failed to direct script: %w", err)
	}

	project := core.Project{
		Bible:    direction.Bible,
		ID:       reply.ProjectID,
		Title:    request.Title,
		Script:   request.Script,
		Blocks:   direction.Blocks,
		Settings: settings,
	}

	saveErr := w.store.SaveProject(ctx, project)
	if saveErr != nil {
		return reply, fmt.Errorf(errFmtSaveProject, project.ID, saveErr)
	}

	reply.Blocks = len(direction.Blocks)
	reply.Characters = direction.Bible.Names()
	reply.Voices = director.NewVoiceMapper(direction.Bible, w.defaultVoice).Assignments()

	return reply, nil
}

func (w *NatsWorker) handleRender(ctx context.Context, msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var request ProjectRequest

	err := parseEvent(msg, &request)
	if err != nil {
		w.log.Error(logFmtParseFailed, msg.Subject, err)
		w.reply(msg, "", RenderReply{Error: err.Error()})

		return
	}

	reply, renderErr := w.render(ctx, request.ProjectID)
	if renderErr != nil {
		w.log.Error(logFmtRenderFailed, request.ProjectID, request.Header.WorkflowID, renderErr)
		reply.Error = renderErr.Error()
	}

	reply.Header = request.Header
	w.reply(msg, request.Header.WorkflowID, reply)
}

// render runs the pipeline for a stored project and uploads the output under
// <project id>/<render id><ext>.
func (w *NatsWorker) render(ctx context.Context, projectID string) (RenderReply, error) {
	reply := RenderReply{ProjectID: projectID}

	if projectID == "" {
		return reply, ErrMissingProjectID
	}

	project, err := w.store.LoadProject(ctx, projectID)
	if err != nil {
		return reply, fmt.Errorf(errFmtLoadProject, projectID, err)
	}

	report, renderErr := w.renderer.Render(ctx, project)
	reply.Report = report

	if renderErr != nil {
		return reply, renderErr
	}

	key := OutputKey(projectID, report.RenderID, report.OutputRef)

	uploadErr := w.objects.UploadFile(context.WithoutCancel(ctx), key, report.OutputRef)
	if uploadErr != nil {
		return reply, fmt.Errorf(errFmtUploadRender, report.OutputRef, key, uploadErr)
	}

	reply.OutputKey = key
	reply.Bucket = w.bucket

	w.log.Info(logFmtUploaded, projectID, w.bucket, key, humanize.Bytes(fileSize(report.OutputRef)))

	return reply, nil
}

// OutputKey is the object store key of a rendered production.
func OutputKey(projectID, renderID, outputPath string) string {
	return path.Join(projectID, renderID+filepath.Ext(outputPath))
}

func fileSize(name string) uint64 {
	info, err := os.Stat(name)
	if err != nil || info.Size() < 0 {
		return 0
	}

	return uint64(info.Size())
}

func (w *NatsWorker) handleStatus(ctx context.Context, msg *nats.Msg) {
	var request ProjectRequest

	err := parseEvent(msg, &request)
	if err != nil {
		w.log.Error(logFmtParseFailed, msg.Subject, err)
		w.reply(msg, "", StatusReply{Error: err.Error()})

		return
	}

	reply, statusErr := w.status(ctx, request.ProjectID)
	if statusErr != nil {
		w.log.Error(logFmtStatusFailed, request.ProjectID, statusErr)
		reply.Error = statusErr.Error()
	}

	reply.Header = request.Header
	w.reply(msg, request.Header.WorkflowID, reply)
}

func (w *NatsWorker) status(ctx context.Context, projectID string) (StatusReply, error) {
	reply := StatusReply{ProjectID: projectID}

	if projectID == "" {
		return reply, ErrMissingProjectID
	}

	if report, found := w.renderer.Status(projectID); found {
		reply.Report = &report
		reply.Jobs = report.Jobs
	} else {
		jobs, err := w.store.ListJobs(ctx, projectID)
		if err != nil {
			return reply, fmt.Errorf("failed to list jobs of '%s': %w", projectID, err)
		}

		reply.Jobs = jobs
	}

	history, err := w.store.ListRenderHistory(ctx, projectID)
	if err != nil {
		return reply, fmt.Errorf("failed to list render history of '%s': %w", projectID, err)
	}

	reply.History = history

	return reply, nil
}

func (w *NatsWorker) handleCancel(_ context.Context, msg *nats.Msg) {
	var request ProjectRequest

	err := parseEvent(msg, &request)
	if err != nil {
		w.log.Error(logFmtParseFailed, msg.Subject, err)
		w.reply(msg, "", CancelReply{})

		return
	}

	cancelled := w.renderer.Cancel(request.ProjectID)
	w.log.Info(logFmtCancelled, request.ProjectID, request.Header.WorkflowID, cancelled)

	w.reply(msg, request.Header.WorkflowID, CancelReply{
		Header:    request.Header,
		ProjectID: request.ProjectID,
		Cancelled: cancelled,
	})
}

// reply publishes a JSON reply when the request carries a reply subject.
func (w *NatsWorker) reply(msg *nats.Msg, workflowID string, reply any) {
	if msg.Reply == "" {
		return
	}

	err := publishReply(msg, reply)
	if err != nil {
		w.log.Error(logFmtReplyFailed, workflowID, err)
	}
}

func publishReply(msg *nats.Msg, reply any) error {
	replyData, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf(errFmtMarshalReply, err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf(errFmtRespond, err)
	}

	return nil
}

func parseEvent(msg *nats.Msg, target any) error {
	err := json.Unmarshal(msg.Data, target)
	if err != nil {
		return fmt.Errorf(errFmtUnmarshalEvent, err)
	}

	return nil
}
