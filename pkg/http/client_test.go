/*
Copyright © 2022 - 2023 SUSE LLC

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

package http_test

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	morphhttp "github.com/morpheusx/morpheusx/pkg/http"
	"github.com/morpheusx/morpheusx/pkg/types"
)

func TestHTTPSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "HTTP client test suite")
}

var _ = Describe("HTTPClient", Label("http"), func() {
	var client *morphhttp.Client
	var log types.Logger
	var destDir string
	var srv *httptest.Server
	BeforeEach(func() {
		client = morphhttp.NewClient()
		log = types.NewNullLogger()
		destDir, _ = os.MkdirTemp("", "morpheus-test")
		srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/missing" {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write([]byte("morpheus payload"))
		}))
	})
	AfterEach(func() {
		srv.Close()
		os.RemoveAll(destDir)
	})
	It("Downloads a test file to destination folder", func() {
		Expect(client.GetURL(log, srv.URL+"/file.bin", destDir)).To(BeNil())
		data, err := os.ReadFile(filepath.Join(destDir, "file.bin"))
		Expect(err).To(BeNil())
		Expect(string(data)).To(Equal("morpheus payload"))
	})
	It("Downloads a test file to some specified destination file", func() {
		target := filepath.Join(destDir, "testfile")
		_, err := os.Stat(target)
		Expect(err).NotTo(BeNil())
		Expect(client.GetURL(log, srv.URL+"/file.bin", target)).To(BeNil())
		_, err = os.Stat(target)
		Expect(err).To(BeNil())
	})
	It("Fails to download a missing path", func() {
		Expect(client.GetURL(log, srv.URL+"/missing", destDir)).NotTo(BeNil())
	})
	It("Fails to download a broken url", func() {
		Expect(client.GetURL(log, "scp://23412342341234.wqer.234|@#~ł€@¶|@~#", destDir)).NotTo(BeNil())
	})
})
