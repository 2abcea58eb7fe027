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

package cmd

import (
	"bytes"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestCommandSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "CLI test suite")
}

var _ = Describe("CLI wiring", Label("cmd"), func() {
	It("registers every subcommand on the root", func() {
		root := NewRootCmd()
		NewInstallCmd(root)
		NewDownloadCmd(root)
		NewBootCmd(root)
		NewIsosCmd(root)
		NewDisksCmd(root)
		NewVersionCmd(root)

		names := []string{}
		for _, c := range root.Commands() {
			names = append(names, c.Name())
		}
		Expect(names).To(ContainElements("install", "download", "boot", "isos", "disks", "version"))
	})
	It("runs the version command", func() {
		root := NewRootCmd()
		NewVersionCmd(root)
		out := &bytes.Buffer{}
		root.SetOut(out)
		root.SetErr(out)
		root.SetArgs([]string{"version"})
		Expect(root.Execute()).To(Succeed())
	})
	It("rejects a missing device argument", func() {
		root := NewRootCmd()
		NewInstallCmd(root)
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		root.SetArgs([]string{"install"})
		Expect(root.Execute()).NotTo(Succeed())
	})
	It("parses ISO indices strictly", func() {
		_, err := parseIndex("3")
		Expect(err).To(BeNil())
		_, err = parseIndex("-1")
		Expect(err).NotTo(BeNil())
		_, err = parseIndex("abc")
		Expect(err).NotTo(BeNil())
	})
})
