/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package hk_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/molt/hk"
)

var _ = Describe("Housekeeper", func() {
	var h *hk.Housekeeper

	BeforeEach(func() {
		h = hk.New()
		go h.Run()
		h.WaitStarted()
	})

	AfterEach(func() {
		h.Stop()
	})

	It("runs a registered job after its delay", func() {
		done := make(chan struct{})
		h.Register("once", 10*time.Millisecond, func() time.Duration {
			close(done)
			return 0
		})
		Eventually(done, time.Second).Should(BeClosed())
	})

	It("reschedules a job that returns a positive next delay", func() {
		var calls int32
		fired := make(chan struct{}, 3)
		h.Register("recurring", time.Millisecond, func() time.Duration {
			calls++
			fired <- struct{}{}
			if calls >= 3 {
				return 0
			}
			return time.Millisecond
		})
		for i := 0; i < 3; i++ {
			Eventually(fired, time.Second).Should(Receive())
		}
	})

	It("runs the earliest-due job first", func() {
		var order []string
		doneA := make(chan struct{})
		doneB := make(chan struct{})
		h.Register("b", 40*time.Millisecond, func() time.Duration {
			order = append(order, "b")
			close(doneB)
			return 0
		})
		h.Register("a", 5*time.Millisecond, func() time.Duration {
			order = append(order, "a")
			close(doneA)
			return 0
		})
		Eventually(doneA, time.Second).Should(BeClosed())
		Eventually(doneB, time.Second).Should(BeClosed())
		Expect(order).To(Equal([]string{"a", "b"}))
	})
})
