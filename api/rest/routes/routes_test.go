package routes_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/DataInsightAutomation/trainingFramework/api/rest/handlers"
	"github.com/DataInsightAutomation/trainingFramework/api/rest/routes"
	"github.com/DataInsightAutomation/trainingFramework/core/catalog"
	"github.com/DataInsightAutomation/trainingFramework/core/chat"
	"github.com/DataInsightAutomation/trainingFramework/core/datasets"
	"github.com/DataInsightAutomation/trainingFramework/core/defaults"
	"github.com/DataInsightAutomation/trainingFramework/core/executor"
	"github.com/DataInsightAutomation/trainingFramework/core/monitoring"
	"github.com/DataInsightAutomation/trainingFramework/core/repository"
	"github.com/DataInsightAutomation/trainingFramework/core/scheduler"
	"github.com/DataInsightAutomation/trainingFramework/core/service"
	"github.com/DataInsightAutomation/trainingFramework/core/spec"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// fakeEngine answers chat completions the way an OpenAI-compatible server does
func fakeEngine() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []chat.Message `json:"messages"`
			Stream   bool           `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		reply := fmt.Sprintf("turn %d", len(req.Messages))

		if !req.Stream {
			fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":%q}}]}`, reply)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"turn ", fmt.Sprint(len(req.Messages))} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

type client struct {
	base   string
	apiKey string
}

func (c client) do(method, path string, body any) (*http.Response, []byte) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	Expect(err).NotTo(HaveOccurred())
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return resp, data
}

func (c client) json(method, path string, body any, wantStatus int) map[string]any {
	resp, data := c.do(method, path, body)
	Expect(resp.StatusCode).To(Equal(wantStatus), string(data))
	out := map[string]any{}
	Expect(json.Unmarshal(data, &out)).To(Succeed())
	return out
}

func (c client) status(jobID string) func() string {
	return func() string {
		return c.json(http.MethodGet, "/v1/train/"+jobID+"/status", nil, http.StatusOK)["status"].(string)
	}
}

func newServer(opts routes.Options) (*httptest.Server, *scheduler.Dispatcher) {
	repo := repository.NewMemoryJobRepository()
	metrics := monitoring.NewMetricsExporter()
	dispatcher := scheduler.NewDispatcher(repo, scheduler.WithWorkers(2), scheduler.WithObserver(metrics))
	dispatcher.Start(context.Background())

	ds := datasets.NewResolver()
	table := defaults.Builtin()
	saves := GinkgoT().TempDir()
	jobs := service.NewJobService(repo, dispatcher, executor.NewSimulatedRunner(time.Millisecond), service.Resolvers{
		Train:  spec.NewTrainResolver(ds, table, saves),
		Eval:   spec.NewEvalResolver(ds, table, saves),
		Export: spec.NewExportResolver(table),
	}, service.WithSubmitObserver(metrics))

	engine := fakeEngine()
	DeferCleanup(engine.Close)
	chatSvc := chat.NewService(chat.NewSessionStore(), chat.NewOpenAIEngine(engine.URL, 5*time.Second))

	router := routes.NewRouter(routes.Handlers{
		Jobs:      handlers.NewJobHandler(jobs),
		Resources: handlers.NewResourceHandler(catalog.Builtin()),
		Chat:      handlers.NewChatHandler(chatSvc),
		Metrics:   metrics.Handler(),
	}, opts)

	srv := httptest.NewServer(router)
	DeferCleanup(srv.Close)
	DeferCleanup(dispatcher.Stop)
	return srv, dispatcher
}

var _ = Describe("HTTP API", func() {
	var c client

	BeforeEach(func() {
		srv, _ := newServer(routes.Options{})
		c = client{base: srv.URL}
	})

	Context("training", func() {
		It("accepts a job and runs it to a terminal state", func() {
			body := c.json(http.MethodPost, "/v1/train", map[string]any{
				"model_name":        "tiny-llama",
				"datasets":          []string{"alpaca"},
				"stage":             "sft",
				"finetuning_method": "lora",
				"token":             "hf_secret",
			}, http.StatusOK)

			jobID := body["job_id"].(string)
			Expect(jobID).NotTo(BeEmpty())
			Expect(body["status"]).To(Equal("PENDING"))

			Eventually(c.status(jobID), 5*time.Second).Should(Equal("COMPLETED"))

			job := c.json(http.MethodGet, "/v1/train/"+jobID+"/status", nil, http.StatusOK)
			Expect(job["job_id"]).To(Equal(jobID))
			Expect(job["progress"]).To(BeNumerically("==", 1))
			params := job["parameters"].(map[string]any)
			Expect(params["hf_hub_token"]).To(Equal("***"))
			Expect(params["finetuning_type"]).To(Equal("lora"))
			Expect(params["stage"]).To(Equal("sft"))

			details := job["dataset_details"].([]any)
			Expect(details).To(HaveLen(1))
			Expect(details[0]).To(HaveKeyWithValue("name", "alpaca"))
			Expect(details[0]).To(HaveKeyWithValue("source", "local_file"))
			Expect(details[0]).To(HaveKeyWithValue("ranking", false))

			events := c.json(http.MethodGet, "/v1/jobs/"+jobID+"/events", nil, http.StatusOK)
			Expect(events["items"]).To(HaveLen(3))
		})

		It("derives a reward model path for ppo", func() {
			body := c.json(http.MethodPost, "/v1/train", map[string]any{
				"model_name": "meta-llama/Llama-3.2-1B",
				"datasets":   []string{"alpaca"},
				"stage":      "ppo",
			}, http.StatusOK)

			job := c.json(http.MethodGet, "/v1/train/"+body["job_id"].(string)+"/status", nil, http.StatusOK)
			params := job["parameters"].(map[string]any)
			Expect(params["reward_model"]).To(HaveSuffix("Llama-3.2-1B/rm/lora"))
		})

		It("rejects requests without datasets", func() {
			body := c.json(http.MethodPost, "/v1/train", map[string]any{"model_name": "m"}, http.StatusBadRequest)
			Expect(body["detail"]).To(ContainSubstring("datasets"))
		})

		It("rejects an unknown stage", func() {
			body := c.json(http.MethodPost, "/v1/train", map[string]any{
				"model_name": "m",
				"datasets":   []string{"d"},
				"stage":      "grpo",
			}, http.StatusBadRequest)
			Expect(body["detail"]).To(ContainSubstring("stage"))
		})

		It("rejects malformed JSON", func() {
			req, _ := http.NewRequest(http.MethodPost, c.base+"/v1/train", bytes.NewBufferString("{"))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Context("evaluation", func() {
		It("produces benchmark metrics", func() {
			body := c.json(http.MethodPost, "/v1/evaluate", map[string]any{
				"evaluation_type":    "benchmark",
				"model_name_or_path": "tiny-llama",
				"task":               "mmlu",
			}, http.StatusOK)
			jobID := body["job_id"].(string)

			Eventually(c.status(jobID), 5*time.Second).Should(Equal("COMPLETED"))
			job := c.json(http.MethodGet, "/v1/train/"+jobID+"/status", nil, http.StatusOK)
			metrics := job["metrics"].(map[string]any)
			Expect(metrics).To(HaveKey("overall_accuracy"))
			Expect(metrics["categories"]).To(HaveKey("stem"))
		})

		It("rejects an unknown evaluation type", func() {
			c.json(http.MethodPost, "/v1/evaluate", map[string]any{
				"evaluation_type":    "vibes",
				"model_name_or_path": "m",
			}, http.StatusBadRequest)
		})
	})

	Context("export", func() {
		It("reports the export path", func() {
			body := c.json(http.MethodPost, "/v1/export", map[string]any{
				"model_name_or_path":   "m",
				"adapter_name_or_path": "saves/m/lora/sft",
				"export_dir":           "exports/m",
			}, http.StatusOK)
			jobID := body["job_id"].(string)

			Eventually(func() string {
				return c.json(http.MethodGet, "/v1/export/status/"+jobID, nil, http.StatusOK)["status"].(string)
			}, 5*time.Second).Should(Equal("COMPLETED"))

			job := c.json(http.MethodGet, "/v1/export/status/"+jobID, nil, http.StatusOK)
			Expect(job["metrics"]).To(HaveKeyWithValue("export_path", "exports/m"))
			Expect(job).NotTo(HaveKey("dataset_details"))
		})

		It("requires an export directory", func() {
			c.json(http.MethodPost, "/v1/export", map[string]any{
				"model_name_or_path":   "m",
				"adapter_name_or_path": "a",
			}, http.StatusBadRequest)
		})
	})

	Context("lookups", func() {
		It("returns 404 for an unknown job", func() {
			body := c.json(http.MethodGet, "/v1/train/train-does-not-exist/status", nil, http.StatusNotFound)
			Expect(body["detail"]).To(ContainSubstring("train-does-not-exist"))

			c.json(http.MethodGet, "/v1/export/status/nope", nil, http.StatusNotFound)
			c.json(http.MethodGet, "/v1/jobs/nope/events", nil, http.StatusNotFound)
		})

		It("lists jobs by kind", func() {
			c.json(http.MethodPost, "/v1/export", map[string]any{
				"model_name_or_path":   "m",
				"adapter_name_or_path": "a",
				"export_dir":           "out",
			}, http.StatusOK)

			body := c.json(http.MethodGet, "/v1/jobs?kind=export", nil, http.StatusOK)
			Expect(body["items"]).To(HaveLen(1))
			body = c.json(http.MethodGet, "/v1/jobs?kind=train", nil, http.StatusOK)
			Expect(body["items"]).To(BeEmpty())

			c.json(http.MethodGet, "/v1/jobs?limit=zero", nil, http.StatusBadRequest)
		})

		It("serves the catalogs", func() {
			Expect(c.json(http.MethodGet, "/v1/resources/models", nil, http.StatusOK)["models"]).To(HaveLen(16))
			Expect(c.json(http.MethodGet, "/v1/resources/datasets", nil, http.StatusOK)["datasets"]).To(HaveLen(12))
		})

		It("answers the liveness routes", func() {
			Expect(c.json(http.MethodGet, "/", nil, http.StatusOK)["message"]).To(Equal("Welcome to the Training API"))
			Expect(c.json(http.MethodGet, "/v1/test_call", nil, http.StatusOK)["status"]).To(Equal("API is working"))
			Expect(c.json(http.MethodGet, "/health", nil, http.StatusOK)["status"]).To(Equal("ok"))
			c.json(http.MethodGet, "/nowhere", nil, http.StatusNotFound)
		})

		It("exposes prometheus metrics", func() {
			c.json(http.MethodPost, "/v1/export", map[string]any{
				"model_name_or_path":   "m",
				"adapter_name_or_path": "a",
				"export_dir":           "out",
			}, http.StatusOK)

			resp, data := c.do(http.MethodGet, "/metrics", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(string(data)).To(ContainSubstring(`finetune_jobs_submitted_total{kind="export"} 1`))
		})
	})

	Context("chat", func() {
		request := func(session string) map[string]any {
			return map[string]any{
				"model_name_or_path": "tiny-llama",
				"infer_backend":      "huggingface",
				"input":              "hello",
				"session_id":         session,
			}
		}

		It("keeps history across non-streaming turns", func() {
			first := c.json(http.MethodPost, "/chat/notstream", request(""), http.StatusOK)
			Expect(first["response"]).To(Equal("turn 1"))
			session := first["session_id"].(string)
			Expect(session).NotTo(BeEmpty())

			second := c.json(http.MethodPost, "/chat/notstream", request(session), http.StatusOK)
			Expect(second["response"]).To(Equal("turn 3"))
			Expect(second["session_id"]).To(Equal(session))
		})

		It("streams plain text with the session header", func() {
			resp, data := c.do(http.MethodPost, "/chat", request("s-1"))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(HavePrefix("text/plain"))
			Expect(resp.Header.Get(handlers.SessionIDHeader)).To(Equal("s-1"))
			Expect(resp.Header.Get("Access-Control-Expose-Headers")).To(ContainSubstring(handlers.SessionIDHeader))
			Expect(string(data)).To(Equal("turn 1"))

			second := c.json(http.MethodPost, "/chat/notstream", request("s-1"), http.StatusOK)
			Expect(second["response"]).To(Equal("turn 3"))
		})

		It("validates the backend", func() {
			body := request("")
			body["infer_backend"] = "onnx"
			c.json(http.MethodPost, "/chat/notstream", body, http.StatusBadRequest)
		})
	})
})

var _ = Describe("HTTP API with an API key", func() {
	var srvURL string

	BeforeEach(func() {
		srv, _ := newServer(routes.Options{APIKey: "secret"})
		srvURL = srv.URL
	})

	It("gates every route but /health", func() {
		anon := client{base: srvURL}
		body := anon.json(http.MethodGet, "/v1/resources/models", nil, http.StatusUnauthorized)
		Expect(body["detail"]).To(Equal("Invalid API key."))
		anon.json(http.MethodPost, "/v1/train", map[string]any{"model_name": "m", "datasets": []string{"d"}}, http.StatusUnauthorized)
		anon.json(http.MethodGet, "/health", nil, http.StatusOK)

		wrong := client{base: srvURL, apiKey: "guess"}
		wrong.json(http.MethodGet, "/v1/resources/models", nil, http.StatusUnauthorized)

		authed := client{base: srvURL, apiKey: "secret"}
		authed.json(http.MethodGet, "/v1/resources/models", nil, http.StatusOK)
	})

	It("answers CORS preflight without credentials", func() {
		req, _ := http.NewRequest(http.MethodOptions, srvURL+"/v1/train", nil)
		req.Header.Set("Origin", "http://localhost:3000")
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()

		Expect(resp.StatusCode).To(BeNumerically("<", 300))
		Expect(resp.Header.Get("Access-Control-Allow-Origin")).NotTo(BeEmpty())
	})
})

var _ = Describe("HTTP API with a submission limit", func() {
	It("returns 429 once the burst is spent", func() {
		srv, _ := newServer(routes.Options{SubmitRateLimit: 0.001, SubmitBurst: 1})
		c := client{base: srv.URL}
		export := map[string]any{"model_name_or_path": "m", "adapter_name_or_path": "a", "export_dir": "out"}

		c.json(http.MethodPost, "/v1/export", export, http.StatusOK)
		c.json(http.MethodPost, "/v1/export", export, http.StatusTooManyRequests)

		// reads are not limited
		c.json(http.MethodGet, "/v1/jobs", nil, http.StatusOK)
	})
})
