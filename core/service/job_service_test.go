package service_test

import (
	"context"
	"errors"
	"sync"

	"github.com/DataInsightAutomation/trainingFramework/core/datasets"
	"github.com/DataInsightAutomation/trainingFramework/core/defaults"
	"github.com/DataInsightAutomation/trainingFramework/core/executor"
	"github.com/DataInsightAutomation/trainingFramework/core/models"
	"github.com/DataInsightAutomation/trainingFramework/core/repository"
	"github.com/DataInsightAutomation/trainingFramework/core/scheduler"
	"github.com/DataInsightAutomation/trainingFramework/core/service"
	"github.com/DataInsightAutomation/trainingFramework/core/spec"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type stubRunner struct {
	mu    sync.Mutex
	tasks []*executor.Task
	err   error
	block chan struct{}
}

func (r *stubRunner) handle(ctx context.Context, task *executor.Task, result *models.JobResult) (*models.JobResult, error) {
	r.mu.Lock()
	r.tasks = append(r.tasks, task)
	r.mu.Unlock()
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return result, nil
}

func (r *stubRunner) Train(ctx context.Context, task *executor.Task) (*models.JobResult, error) {
	return r.handle(ctx, task, &models.JobResult{Message: "Training completed"})
}

func (r *stubRunner) Evaluate(ctx context.Context, task *executor.Task) (*models.JobResult, error) {
	return r.handle(ctx, task, &models.JobResult{Metrics: map[string]any{"alpaca_en_demo": map[string]any{"accuracy": 0.9}}})
}

func (r *stubRunner) Benchmark(ctx context.Context, task *executor.Task) (*models.JobResult, error) {
	return r.handle(ctx, task, &models.JobResult{Metrics: map[string]any{"overall_accuracy": 0.5}})
}

func (r *stubRunner) Export(ctx context.Context, task *executor.Task) (*models.JobResult, error) {
	return r.handle(ctx, task, &models.JobResult{Status: models.JobStatusCompleted})
}

func (r *stubRunner) lastTask() *executor.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks) == 0 {
		return nil
	}
	return r.tasks[len(r.tasks)-1]
}

type countingObserver struct {
	mu    sync.Mutex
	kinds []models.JobKind
}

func (o *countingObserver) JobSubmitted(kind models.JobKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kinds = append(o.kinds, kind)
}

var _ = Describe("job service", func() {
	var (
		ctx        context.Context
		repo       *repository.MemoryJobRepository
		dispatcher *scheduler.Dispatcher
		runner     *stubRunner
		observer   *countingObserver
		svc        *service.JobService
	)

	status := func(id string) func() models.JobStatus {
		return func() models.JobStatus {
			job, err := svc.GetJob(ctx, id)
			Expect(err).NotTo(HaveOccurred())
			return job.Status
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		repo = repository.NewMemoryJobRepository()
		dispatcher = scheduler.NewDispatcher(repo)
		dispatcher.Start(ctx)
		DeferCleanup(dispatcher.Stop)

		runner = &stubRunner{}
		observer = &countingObserver{}
		ds := datasets.NewResolver()
		table := defaults.Builtin()
		saves := GinkgoT().TempDir()
		svc = service.NewJobService(repo, dispatcher, runner, service.Resolvers{
			Train:  spec.NewTrainResolver(ds, table, saves),
			Eval:   spec.NewEvalResolver(ds, table, saves),
			Export: spec.NewExportResolver(table),
		}, service.WithSubmitObserver(observer))
	})

	Context("training", func() {
		It("runs a submitted job to completion", func() {
			job, err := svc.SubmitTraining(ctx, &spec.TrainRequest{
				ModelName: "meta-llama/Llama-3.2-1B",
				Datasets:  []string{"alpaca_en_demo"},
				Token:     "hf_secret",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ID).To(HavePrefix("train-"))
			Expect(job.Parameters["hf_hub_token"]).To(Equal("***"))

			Eventually(status(job.ID)).Should(Equal(models.JobStatusCompleted))

			task := runner.lastTask()
			Expect(task.Params.String("hf_hub_token")).To(Equal("hf_secret"))
			Expect(task.DatasetDetails).To(HaveLen(1))
			Expect(observer.kinds).To(Equal([]models.JobKind{models.JobKindTrain}))

			done, err := svc.GetJob(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(done.Progress).To(Equal(1.0))
			Expect(done.Message).To(Equal("Training completed"))

			events, err := svc.GetJobEvents(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(3))
			Expect(events[2].ToStatus).To(Equal(models.JobStatusCompleted))
		})

		It("records a runner error as FAILED", func() {
			runner.err = errors.New("CUDA out of memory")

			job, err := svc.SubmitTraining(ctx, &spec.TrainRequest{
				ModelName: "m",
				Datasets:  []string{"d"},
			})
			Expect(err).NotTo(HaveOccurred())
			Eventually(status(job.ID)).Should(Equal(models.JobStatusFailed))

			failed, err := svc.GetJob(ctx, job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(failed.Message).To(Equal("Error: CUDA out of memory"))
		})

		It("rejects an invalid request without registering a job", func() {
			_, err := svc.SubmitTraining(ctx, &spec.TrainRequest{ModelName: "m"})

			var invalid *service.ErrInvalidRequest
			Expect(errors.As(err, &invalid)).To(BeTrue())

			jobs, err := svc.ListJobs(ctx, repository.ListFilter{})
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(BeEmpty())
		})
	})

	Context("evaluation", func() {
		It("keeps evaluation metrics", func() {
			job, err := svc.SubmitEvaluation(ctx, &spec.EvaluateRequest{
				EvaluationType:  "training",
				ModelNameOrPath: "m",
				EvalDataset:     "alpaca_en_demo",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.Kind).To(Equal(models.JobKindEval))
			Eventually(status(job.ID)).Should(Equal(models.JobStatusCompleted))

			done, _ := svc.GetJob(ctx, job.ID)
			Expect(done.Metrics).To(HaveKey("alpaca_en_demo"))
		})

		It("dispatches benchmarks as their own kind", func() {
			job, err := svc.SubmitEvaluation(ctx, &spec.EvaluateRequest{
				EvaluationType:  "benchmark",
				ModelNameOrPath: "m",
				Task:            "mmlu_test",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(job.ID).To(HavePrefix("benchmark-"))
			Eventually(status(job.ID)).Should(Equal(models.JobStatusCompleted))
		})
	})

	Context("export", func() {
		It("rejects push_to_hub without a hub model id", func() {
			push := true
			_, err := svc.SubmitExport(ctx, &spec.ExportRequest{
				ModelNameOrPath:   "m",
				AdapterNameOrPath: "a",
				ExportDir:         "out",
				PushToHub:         &push,
			})
			var invalid *service.ErrInvalidRequest
			Expect(errors.As(err, &invalid)).To(BeTrue())
		})
	})

	Context("lookups", func() {
		It("reports unknown jobs as not found", func() {
			var notFound *service.ErrJobNotFound

			_, err := svc.GetJob(ctx, "train-missing")
			Expect(errors.As(err, &notFound)).To(BeTrue())

			_, err = svc.GetJobEvents(ctx, "train-missing")
			Expect(errors.As(err, &notFound)).To(BeTrue())
		})

		It("shows a job as RUNNING while its work is in flight", func() {
			runner.block = make(chan struct{})
			job, err := svc.SubmitExport(ctx, &spec.ExportRequest{
				ModelNameOrPath:   "m",
				AdapterNameOrPath: "a",
				ExportDir:         "out",
			})
			Expect(err).NotTo(HaveOccurred())
			Eventually(status(job.ID)).Should(Equal(models.JobStatusRunning))

			close(runner.block)
			Eventually(status(job.ID)).Should(Equal(models.JobStatusCompleted))
		})
	})

	Context("shutdown", func() {
		It("refuses work after the dispatcher stops", func() {
			dispatcher.Stop()

			_, err := svc.SubmitTraining(ctx, &spec.TrainRequest{ModelName: "m", Datasets: []string{"d"}})
			var unavailable *service.ErrServiceUnavailable
			Expect(errors.As(err, &unavailable)).To(BeTrue())

			jobs, err := svc.ListJobs(ctx, repository.ListFilter{Status: models.JobStatusFailed})
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(1))
			Expect(observer.kinds).To(BeEmpty())
		})
	})
})
