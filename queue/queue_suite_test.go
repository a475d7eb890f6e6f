package queue_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestQueueMain(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Download Queue Suite")
}
