package occa

// blockSize is the @inner loop width of every kernel
const blockSize = 256

// kernelPreamble holds the helper functions shared by the kernels. The
// integer conversion matches sfc.Encode operation for operation.
const kernelPreamble = `
#define MAX_COORD 2097152.0
#define MAX_INT_COORD 2097151u
#define BLOCK 256

unsigned int toInteger(const double v, const double lo, const double invLength) {
  const double u = (v - lo) * invLength;
  if (!(u > 0.0)) {
    return 0u;
  }
  const double s = floor(u * MAX_COORD);
  if (s >= (double)MAX_INT_COORD) {
    return MAX_INT_COORD;
  }
  return (unsigned int)s;
}

unsigned long long expandBits(unsigned long long v) {
  v &= 0x1fffffULL;
  v = (v | v << 32) & 0x1f00000000ffffULL;
  v = (v | v << 16) & 0x1f0000ff0000ffULL;
  v = (v | v << 8) & 0x100f00f00f00f00fULL;
  v = (v | v << 4) & 0x10c30c30c30c30c3ULL;
  v = (v | v << 2) & 0x1249249249249249ULL;
  return v;
}

int lowerBound(const unsigned long long* keys, const int n, const unsigned long long k) {
  int lo = 0;
  int hi = n;
  while (lo < hi) {
    const int mid = lo + (hi - lo) / 2;
    if (keys[mid] < k) {
      lo = mid + 1;
    } else {
      hi = mid;
    }
  }
  return lo;
}
`

const computeKeysKernel = `
@kernel void computeKeys(const int n,
                         const double* x,
                         const double* y,
                         const double* z,
                         unsigned long long* keys,
                         const double lox,
                         const double loy,
                         const double loz,
                         const double invx,
                         const double invy,
                         const double invz) {
  for (int b = 0; b < n; b += BLOCK; @outer) {
    for (int i = b; i < b + BLOCK; ++i; @inner) {
      if (i < n) {
        const unsigned long long ix = toInteger(x[i], lox, invx);
        const unsigned long long iy = toInteger(y[i], loy, invy);
        const unsigned long long iz = toInteger(z[i], loz, invz);
        keys[i] = expandBits(ix) << 2 | expandBits(iy) << 1 | expandBits(iz);
      }
    }
  }
}
`

const nodeCountsKernel = `
@kernel void nodeCounts(const int nLeaves,
                        const unsigned long long* tree,
                        const int nKeys,
                        const unsigned long long* keys,
                        unsigned int* counts) {
  for (int b = 0; b < nLeaves; b += BLOCK; @outer) {
    for (int i = b; i < b + BLOCK; ++i; @inner) {
      if (i < nLeaves) {
        counts[i] = lowerBound(keys, nKeys, tree[i + 1]) - lowerBound(keys, nKeys, tree[i]);
      }
    }
  }
}
`

const leafMaxKernel = `
@kernel void leafMax(const int nLeaves,
                     const unsigned long long* tree,
                     const int nKeys,
                     const unsigned long long* keys,
                     const double* values,
                     double* out) {
  for (int b = 0; b < nLeaves; b += BLOCK; @outer) {
    for (int i = b; i < b + BLOCK; ++i; @inner) {
      if (i < nLeaves) {
        const int first = lowerBound(keys, nKeys, tree[i]);
        const int last = lowerBound(keys, nKeys, tree[i + 1]);
        double m = 0.0;
        for (int k = first; k < last; ++k) {
          if (values[k] > m) {
            m = values[k];
          }
        }
        out[i] = m;
      }
    }
  }
}
`

const leafCoordSumsKernel = `
@kernel void leafCoordSums(const int nLeaves,
                           const unsigned long long* tree,
                           const int nKeys,
                           const unsigned long long* keys,
                           const double* x,
                           const double* y,
                           const double* z,
                           double* out) {
  for (int b = 0; b < nLeaves; b += BLOCK; @outer) {
    for (int i = b; i < b + BLOCK; ++i; @inner) {
      if (i < nLeaves) {
        const int first = lowerBound(keys, nKeys, tree[i]);
        const int last = lowerBound(keys, nKeys, tree[i + 1]);
        double sx = 0.0;
        double sy = 0.0;
        double sz = 0.0;
        for (int k = first; k < last; ++k) {
          sx += x[k];
          sy += y[k];
          sz += z[k];
        }
        out[4 * i] = sx;
        out[4 * i + 1] = sy;
        out[4 * i + 2] = sz;
        out[4 * i + 3] = (double)(last - first);
      }
    }
  }
}
`

const gatherDoubleKernel = `
@kernel void gatherDouble(const int n,
                          const long long* order,
                          const double* src,
                          double* dst) {
  for (int b = 0; b < n; b += BLOCK; @outer) {
    for (int i = b; i < b + BLOCK; ++i; @inner) {
      if (i < n) {
        dst[i] = src[order[i]];
      }
    }
  }
}
`

const gatherKeysKernel = `
@kernel void gatherKeys(const int n,
                        const long long* order,
                        const unsigned long long* src,
                        unsigned long long* dst) {
  for (int b = 0; b < n; b += BLOCK; @outer) {
    for (int i = b; i < b + BLOCK; ++i; @inner) {
      if (i < n) {
        dst[i] = src[order[i]];
      }
    }
  }
}
`

// kernelSources maps kernel names to their OKL source
var kernelSources = map[string]string{
	"computeKeys":   computeKeysKernel,
	"nodeCounts":    nodeCountsKernel,
	"leafMax":       leafMaxKernel,
	"leafCoordSums": leafCoordSumsKernel,
	"gatherDouble":  gatherDoubleKernel,
	"gatherKeys":    gatherKeysKernel,
}
