//go:build integration

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ComposeBot Contributors

package store_test

import (
	"context"
	"strings"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/composebot/composebot/internal/store"
)

var _ = Describe("PostgresKV", Ordered, func() {
	var (
		ctx       context.Context
		container *postgres.PostgresContainer
		kv        *store.PostgresKV
		migrator  *store.Migrator
	)

	BeforeAll(func() {
		ctx = context.Background()
		var err error
		container, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("composebot"),
			postgres.WithUsername("composebot"),
			postgres.WithPassword("composebot"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2)),
		)
		Expect(err).NotTo(HaveOccurred())

		dsn, err := container.ConnectionString(ctx, "sslmode=disable")
		Expect(err).NotTo(HaveOccurred())

		migrator, err = store.NewMigrator(dsn)
		Expect(err).NotTo(HaveOccurred())
		Expect(migrator.Up()).To(Succeed())

		kv, err = store.OpenPostgresKV(ctx, dsn)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if kv != nil {
			kv.Close()
		}
		if migrator != nil {
			_ = migrator.Close()
		}
		if container != nil {
			_ = container.Terminate(ctx)
		}
	})

	It("applies every migration", func() {
		pending, err := migrator.Pending()
		Expect(err).NotTo(HaveOccurred())
		Expect(pending).To(BeEmpty())
	})

	It("round-trips a value", func() {
		Expect(kv.Set(ctx, "echo", "greeting", []byte("hello"))).To(Succeed())
		Expect(kv.Get(ctx, "echo", "greeting")).To(Equal([]byte("hello")))

		Expect(kv.Set(ctx, "echo", "greeting", []byte("again"))).To(Succeed())
		Expect(kv.Get(ctx, "echo", "greeting")).To(Equal([]byte("again")))
	})

	It("keeps namespaces apart", func() {
		Expect(kv.Set(ctx, "a", "k", []byte("1"))).To(Succeed())
		_, err := kv.Get(ctx, "b", "k")
		Expect(err).To(MatchError(store.ErrNotFound))
	})

	It("reports missing keys on delete", func() {
		Expect(kv.Set(ctx, "echo", "gone", []byte("x"))).To(Succeed())
		Expect(kv.Delete(ctx, "echo", "gone")).To(Succeed())
		Expect(kv.Delete(ctx, "echo", "gone")).To(MatchError(store.ErrNotFound))
	})

	It("swaps only from the expected value", func() {
		Expect(kv.CompareAndSwap(ctx, "echo", "count", nil, []byte("1"))).To(BeTrue())
		Expect(kv.CompareAndSwap(ctx, "echo", "count", nil, []byte("9"))).To(BeFalse())
		Expect(kv.CompareAndSwap(ctx, "echo", "count", []byte("0"), []byte("9"))).To(BeFalse())
		Expect(kv.CompareAndSwap(ctx, "echo", "count", []byte("1"), []byte("2"))).To(BeTrue())
		Expect(kv.Get(ctx, "echo", "count")).To(Equal([]byte("2")))
	})

	It("rejects values over the size limit", func() {
		err := kv.Set(ctx, "echo", "big", []byte(strings.Repeat("x", 65537)))
		Expect(err).To(HaveOccurred())
	})
})
