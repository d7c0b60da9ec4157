/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package molcfg

import "runtime"

func numCPU() int { return runtime.NumCPU() }
