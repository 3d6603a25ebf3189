package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// getBaseURL returns the base URL for API calls.
// Uses JOBQUEUE_BASE_URL env var if set (for container tests),
// otherwise defaults to localhost:8080.
func getBaseURL() string {
	if url := os.Getenv("JOBQUEUE_BASE_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

// httpClient creates an HTTP client with sensible defaults.
func httpClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
	}
}

// doRequest performs an HTTP request and returns the response.
func doRequest(method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	url := getBaseURL() + path
	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return httpClient().Do(req)
}

// parseResponse parses JSON response into target.
func parseResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

var _ = Describe("HTTP Integration Tests", Ordered, func() {
	var (
		queuePath  string
		identifier string
	)

	BeforeAll(func() {
		// Check if the server is reachable
		resp, err := doRequest("GET", "/healthz", nil)
		if err != nil {
			Skip(fmt.Sprintf("Server not reachable at %s: %v", getBaseURL(), err))
		}
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		queuePath = "/v1/queues/http-it-" + uuid.NewString()
		identifier = uuid.NewString()
	})

	It("should submit a message", func() {
		resp, err := doRequest("POST", queuePath+"/messages", map[string]interface{}{
			"identifier": identifier,
			"payload":    map[string]interface{}{"task": "resize", "width": 100},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusCreated))

		var result map[string]interface{}
		Expect(parseResponse(resp, &result)).To(Succeed())
		data := result["data"].(map[string]interface{})
		Expect(data["identifier"]).To(Equal(identifier))
	})

	It("should reject the same identifier again", func() {
		resp, err := doRequest("POST", queuePath+"/messages", map[string]interface{}{
			"identifier": identifier,
			"payload":    1,
		})
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusConflict))
	})

	It("should reserve the message", func() {
		resp, err := doRequest("POST", queuePath+"/reserve?timeout=2", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var result map[string]interface{}
		Expect(parseResponse(resp, &result)).To(Succeed())
		data := result["data"].(map[string]interface{})
		Expect(data["identifier"]).To(Equal(identifier))
		Expect(data["state"]).To(Equal("reserved"))
	})

	It("should report one reserved message", func() {
		resp, err := doRequest("GET", queuePath+"/stats", nil)
		Expect(err).NotTo(HaveOccurred())

		var result map[string]interface{}
		Expect(parseResponse(resp, &result)).To(Succeed())
		data := result["data"].(map[string]interface{})
		Expect(data["ready"]).To(BeNumerically("==", 0))
		Expect(data["reserved"]).To(BeNumerically("==", 1))
	})

	It("should finish the message exactly once", func() {
		for _, want := range []bool{true, false} {
			resp, err := doRequest("POST", queuePath+"/messages/"+identifier+"/finish", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result map[string]interface{}
			Expect(parseResponse(resp, &result)).To(Succeed())
			data := result["data"].(map[string]interface{})
			Expect(data["finished"]).To(Equal(want))
		}
	})

	It("should return no content when nothing is ready", func() {
		resp, err := doRequest("POST", queuePath+"/take?timeout=1", nil)
		Expect(err).NotTo(HaveOccurred())
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
	})
})
