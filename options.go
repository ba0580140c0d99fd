package reftable

// Options configures a Store at Open time. The zero value is not usable;
// construct Options via NewOptions and the With* functions below, in the
// functional-options style.
type Options struct {
	initialCapacity int
	growthFactor    float64
	bucketCapacity  int
	maxKicks        int
}

// Option mutates an Options being built.
type Option func(*Options)

// NewOptions returns a populated default Options, then applies opts in
// order.
func NewOptions(opts ...Option) Options {
	o := Options{
		initialCapacity: 64,
		growthFactor:    2.0,
		bucketCapacity:  4,
		maxKicks:        0, // 0 lets the cuckoo package derive a bound
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithInitialCapacity sets the number of cuckoo buckets a fresh Store
// starts with, rounded up to a power of two.
func WithInitialCapacity(n int) Option {
	return func(o *Options) { o.initialCapacity = n }
}

// WithGrowthFactor sets the multiplier applied to the mutable memory
// region's backing slice-of-slices each time it runs out of room.
func WithGrowthFactor(f float64) Option {
	return func(o *Options) {
		if f > 1.0 {
			o.growthFactor = f
		}
	}
}

// WithBucketCapacity sets the number of ways (rows per bucket) the cuckoo
// directory accepts before needing to displace.
func WithBucketCapacity(n int) Option {
	return func(o *Options) { o.bucketCapacity = n }
}

// WithMaxKicks overrides the cuckoo directory's bounded-displacement limit.
func WithMaxKicks(n int) Option {
	return func(o *Options) { o.maxKicks = n }
}
